package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deckhand/internal/bus"
	"deckhand/internal/core"
	"deckhand/internal/notify"
	"deckhand/internal/protocol"
	"deckhand/internal/session"
	"deckhand/internal/term"
	"deckhand/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server is the delivery boundary: it fans session output, status, events,
// and notifications out to WebSocket clients and exposes the REST API.
type Server struct {
	core      *core.Core
	staticDir string
	log       *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// subscriptions tracks live output subscriptions per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptionsMu sync.Mutex
	subscriptions   map[*client]map[string]string

	busToken string
	tapToken string
}

type client struct {
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands a frame to the client's write pump, dropping when the
// buffer is full or the client is gone.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// New creates a realtime server over a core and wires itself as the core's
// status, event, and file observers.
func New(c *core.Core, staticDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		core:          c,
		staticDir:     staticDir,
		log:           log.With("component", "realtime"),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}

	c.SetStatusListener(s.onStatus)
	c.SetFilesListener(s.onFiles)
	s.busToken = c.OnEvent(bus.Wildcard, s.onBusEvent)
	s.tapToken = c.AddTap(&session.Tap{
		Title: s.onTitle,
		Exit:  s.onExit,
	})
	return s
}

// Shutdown detaches the server from the core. Connected clients are left
// to the HTTP server's own teardown.
func (s *Server) Shutdown() {
	s.core.OffEvent(s.busToken)
	s.core.RemoveTap(s.tapToken)
	s.core.SetStatusListener(nil)
	s.core.SetFilesListener(nil)
}

// Show implements the notification sink by broadcasting to every client.
func (s *Server) Show(n notify.Notification) {
	msg, err := protocol.NewMessage(protocol.TypeNotification, protocol.NotificationPayload{
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		SessionID: n.SessionID,
		ProjectID: n.ProjectID,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/stats/terminal", s.handleTerminalStats)
	mux.HandleFunc("GET /api/stats/dashboard", s.handleDashboardStats)
	mux.HandleFunc("GET /api/times/project/{id}", s.handleProjectTimes)
	mux.HandleFunc("GET /api/times/global", s.handleGlobalTimes)
	mux.HandleFunc("POST /api/provider", s.handleSwitchProvider)
	mux.HandleFunc("POST /api/hooks", s.handleHookIngest)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to the new client.
	for _, sess := range s.core.Sessions() {
		if msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(sess)); err == nil {
			c.enqueue(mustMarshal(msg))
		}
	}

	go c.writePump()
	go c.readPump()
}

func sessionUpdatePayload(s *session.Session) protocol.SessionUpdatePayload {
	info := s.Snapshot()
	return protocol.SessionUpdatePayload{
		ID:          info.ID,
		Kind:        string(info.Kind),
		ProjectID:   info.ProjectID,
		ProjectName: info.ProjectName,
		DisplayName: info.DisplayName,
		Status:      string(info.Status),
		Substatus:   string(info.Substatus),
		Title:       info.Title,
		CreatedAt:   info.CreatedAt.Format(time.RFC3339Nano),
		Alive:       info.Alive,
	}
}

func mustMarshal(msg *protocol.Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.core.Unsubscribe(sessionID, subID)
	}

	c.closeSend()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionOpen:
		s.handleWSOpen(c, msg)
	case protocol.TypeSessionInput:
		s.handleWSInput(c, msg, false)
	case protocol.TypeSessionPaste:
		s.handleWSInput(c, msg, true)
	case protocol.TypeSessionResize:
		s.handleWSResize(c, msg)
	case protocol.TypeSessionKill:
		s.handleWSKill(c, msg)
	case protocol.TypeSessionSubscribe:
		s.handleWSSubscribe(c, msg)
	case protocol.TypeSessionUnsubscribe:
		s.handleWSUnsubscribe(c, msg)
	case protocol.TypeUIFocus:
		s.handleWSFocus(c, msg)
	case protocol.TypeFilesRequestTree:
		s.handleWSFilesTree(c, msg)
	}
}

// openSession routes a session.open to the right core operation.
func (s *Server) openSession(p protocol.SessionOpenPayload) (*session.Session, error) {
	switch session.Kind(p.Kind) {
	case session.KindClaude:
		return s.core.OpenClaude(p.ProjectID, core.ClaudeOptions{
			SkipPermissions: p.Options.SkipPermissions,
			ShellOnly:       p.Options.ShellOnly,
			ResumeSessionID: p.Options.ResumeSessionID,
			PendingPrompt:   p.Options.PendingPrompt,
		})
	case session.KindFivem:
		return s.core.OpenFivemConsole(p.ProjectID)
	case session.KindWebApp:
		return s.core.OpenWebApp(p.ProjectID)
	case session.KindShell:
		return s.core.OpenShell(p.ProjectID)
	case session.KindFileView:
		return s.core.OpenFile(p.Path, p.ProjectID)
	default:
		return nil, fmt.Errorf("unknown session kind: %s", p.Kind)
	}
}

func errorCode(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, term.ErrClosed):
		return protocol.ErrSessionClosed
	case strings.Contains(msg, "session not found"):
		return protocol.ErrSessionNotFound
	case strings.Contains(msg, "project not found"):
		return protocol.ErrProjectNotFound
	case strings.Contains(msg, "session limit"):
		return protocol.ErrMaxSessions
	default:
		return protocol.ErrSpawnFailed
	}
}

func (s *Server) handleWSOpen(c *client, msg *protocol.Message) {
	var payload protocol.SessionOpenPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.openSession(payload)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.broadcastSessionUpdate(sess)
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message, paste bool) {
	var payload protocol.SessionInputPayload
	json.Unmarshal(msg.Payload, &payload)

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "data is not valid base64")
		return
	}

	if paste {
		err = s.core.Paste(payload.SessionID, data)
	} else {
		err = s.core.Write(payload.SessionID, data)
	}
	if err != nil {
		// Writes racing a child exit are dropped quietly.
		if errors.Is(err, term.ErrClosed) {
			s.log.Debug("input after exit", "session", payload.SessionID)
			return
		}
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSResize(c *client, msg *protocol.Message) {
	var payload protocol.SessionResizePayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.core.Resize(payload.SessionID, payload.Cols, payload.Rows); err != nil {
		// Resizes racing a child exit are dropped quietly.
		if errors.Is(err, term.ErrClosed) {
			return
		}
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSKill(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.core.Close(payload.SessionID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSSubscribe(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)
	s.subscribeClient(c, payload.SessionID)
}

func (s *Server) handleWSUnsubscribe(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	s.subscriptionsMu.Lock()
	subID, ok := s.subscriptions[c][payload.SessionID]
	if ok {
		delete(s.subscriptions[c], payload.SessionID)
	}
	s.subscriptionsMu.Unlock()

	if ok {
		s.core.Unsubscribe(payload.SessionID, subID)
	}
}

func (s *Server) handleWSFocus(c *client, msg *protocol.Message) {
	var payload protocol.UIFocusPayload
	json.Unmarshal(msg.Payload, &payload)
	s.core.SetFocus(payload.Focused, payload.ActiveSessionID)
}

func (s *Server) handleWSFilesTree(c *client, msg *protocol.Message) {
	var payload protocol.FilesRequestTreePayload
	json.Unmarshal(msg.Payload, &payload)

	p, ok := s.core.Store().FindByID(payload.ProjectID)
	if !ok {
		s.sendError(c, protocol.ErrProjectNotFound, "project not found: "+payload.ProjectID)
		return
	}

	tree := watcher.BuildFileTree(p.Path, 3)
	resp, err := protocol.NewMessage(protocol.TypeFilesTree, protocol.FilesTreePayload{
		ProjectID: payload.ProjectID,
		Tree:      tree,
	})
	if err != nil {
		return
	}
	c.enqueue(mustMarshal(resp))
}

// subscribeClient attaches a client to a session's output, replaying the
// ring buffer as history.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.core.Subscribe(sessionID)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, chunk := range history {
		s.sendOutput(c, sessionID, chunk)
	}

	// Forward new chunks until the session tears the channel down.
	go func() {
		for chunk := range ch {
			s.sendOutput(c, sessionID, chunk)
		}
	}()
}

func (s *Server) sendOutput(c *client, sessionID string, chunk session.Chunk) {
	msg, err := protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return
	}
	c.enqueue(mustMarshal(msg))
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(mustMarshal(msg))
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(sess *session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

// onStatus broadcasts engine and dispatcher status transitions.
func (s *Server) onStatus(sess *session.Session) {
	status, substatus := sess.Status()
	msg, err := protocol.NewMessage(protocol.TypeSessionStatus, protocol.SessionStatusPayload{
		SessionID:   sess.ID,
		Status:      string(status),
		Substatus:   string(substatus),
		DisplayName: sess.DisplayName(),
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// onTitle broadcasts window title changes.
func (s *Server) onTitle(sess *session.Session, title string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionTitle, protocol.SessionTitlePayload{
		SessionID: sess.ID,
		Title:     title,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// onExit broadcasts child termination.
func (s *Server) onExit(sess *session.Session, exitCode int) {
	msg, err := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: sess.ID,
		ExitCode:  exitCode,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// onBusEvent mirrors the normalized event stream onto the wire.
func (s *Server) onBusEvent(env bus.Envelope) {
	msg, err := protocol.NewMessage(protocol.TypeEvent, env)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// onFiles broadcasts per-project file activity.
func (s *Server) onFiles(projectID string, fileCount, changedFiles int) {
	msg, err := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		ProjectID:    projectID,
		FileCount:    fileCount,
		ChangedFiles: changedFiles,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}
