package term

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// ErrClosed is returned for writes and resizes after the child exited.
var ErrClosed = errors.New("pty closed")

const (
	defaultCols = 80
	defaultRows = 24
)

// Options configures a PTY child process.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the current environment.
	Env  []string
	Cols uint16
	Rows uint16
}

// PTY owns one child process attached to a pseudo-terminal. Reads drain the
// master side; writes feed the child's stdin. Exactly one goroutine should
// call Read.
type PTY struct {
	cmd *exec.Cmd
	f   *os.File

	mu       sync.Mutex
	closed   bool
	exitCode int
	done     chan struct{}
}

// Start spawns the child with the requested size. Spawn failures are
// returned synchronously; no PTY is created.
func Start(opts Options) (*PTY, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Command, err)
	}

	p := &PTY{
		cmd:  cmd,
		f:    f,
		done: make(chan struct{}),
	}
	go p.wait()

	return p, nil
}

func (p *PTY) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// Read reads output bytes from the PTY master. After the child exits and
// the buffered tail is drained, Read returns an error (EIO on Linux).
func (p *PTY) Read(b []byte) (int, error) {
	return p.f.Read(b)
}

// Write sends input bytes to the child. Fails with ErrClosed once the child
// has exited or the PTY was closed.
func (p *PTY) Write(b []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.f.Write(b)
	return err
}

// Resize changes the terminal size, clamping both dimensions to at least 1.
func (p *PTY) Resize(cols, rows int) error {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return pty.Setsize(p.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Kill asks the child to terminate, escalating to SIGKILL after the drain
// window. It returns once the child is gone.
func (p *PTY) Kill(drain time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	if p.cmd.Process != nil {
		p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-p.done:
		return
	case <-time.After(drain):
	}

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

// Close releases the master file descriptor. Safe to call more than once.
func (p *PTY) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.f.Close()
	}
}

// Done is closed when the child process has exited.
func (p *PTY) Done() <-chan struct{} {
	return p.done
}

// ExitCode reports the child's exit code. Valid once Done is closed.
func (p *PTY) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Pid returns the child process id, or 0 before start.
func (p *PTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
