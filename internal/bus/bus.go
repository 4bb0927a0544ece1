package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives envelopes for subscribed types. Handlers run synchronously
// on the emitter's goroutine and must not block.
type Handler func(Envelope)

type subscriber struct {
	token string
	t     Type
	fn    Handler
}

// Bus is a single-process pub/sub for normalized events. Delivery is
// synchronous: type subscribers first, then wildcard subscribers, each in
// subscription order. A panicking handler is logged and does not prevent
// delivery to the rest.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
	log  *slog.Logger
	now  func() time.Time
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log: log.With("component", "bus"),
		now: time.Now,
	}
}

// Subscribe registers a handler for a type (or Wildcard) and returns a token
// for Unsubscribe.
func (b *Bus) Subscribe(t Type, fn Handler) string {
	token := uuid.New().String()

	b.mu.Lock()
	b.subs = append(b.subs, subscriber{token: token, t: t, fn: fn})
	b.mu.Unlock()

	return token
}

// Unsubscribe releases a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit wraps data into an envelope stamped with the current time and
// delivers it. The envelope type is derived from the payload variant, so a
// payload can never travel under the wrong tag.
func (b *Bus) Emit(meta Meta, data Payload) {
	env := Envelope{
		Type:        data.eventType(),
		Timestamp:   b.now(),
		ProjectID:   meta.ProjectID,
		ProjectPath: meta.ProjectPath,
		Source:      meta.Source,
		Data:        data,
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.t == env.Type {
			b.deliver(s, env)
		}
	}
	for _, s := range subs {
		if s.t == Wildcard {
			b.deliver(s, env)
		}
	}
}

func (b *Bus) deliver(s subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", "type", env.Type, "panic", r)
		}
	}()
	s.fn(env)
}
