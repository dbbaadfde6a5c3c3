// Package termsess tracks terminal tabs: PTY-bearing sessions bound to
// pooled connections, with an explicit state machine, display ordering, a
// scrollback buffer, and a detach timer that keeps the PTY alive across UI
// disconnects.
package termsess

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
)

// State is the lifecycle state of a terminal session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// DefaultShell is started when the session config names none.
const DefaultShell = "/bin/bash"

// defaultTermCols and defaultTermRows are the initial PTY dimensions.
const (
	defaultTermCols = 80
	defaultTermRows = 24
)

// Session is one logical PTY tab.
type Session struct {
	ID    string
	Order int // display order, unique per registry

	mu       sync.Mutex
	state    State
	errMsg   string
	active   bool // counted in the registry's active_count
	connID   string
	wsPort   int
	wsToken  string
	ctrl     *sshconn.Controller
	ptySess  *ssh.Session
	ptyOut   io.Reader
	lastSeen time.Time

	detached    bool
	detachTimer *time.Timer

	outputWriter io.Writer     // current output consumer (the bridge), may be nil
	ptyDone      chan struct{} // closed when the PTY output stream ends

	scroll *Scrollback
}

// AttachOutput directs live PTY output to w (typically the bridge). Only one
// consumer may be attached at a time; attaching replaces the previous one.
func (s *Session) AttachOutput(w io.Writer) {
	s.mu.Lock()
	s.outputWriter = w
	s.mu.Unlock()
}

// DetachOutput stops delivering live output. Scrollback keeps filling.
func (s *Session) DetachOutput() {
	s.mu.Lock()
	s.outputWriter = nil
	s.mu.Unlock()
}

// PTYDone returns a channel closed when the PTY output stream ends, or nil
// before connect.
func (s *Session) PTYDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptyDone
}

// pumpOutput drains the PTY for the life of the channel: every chunk lands
// in the scrollback, and best-effort in the attached consumer. Runs without
// holding the session lock across reads or writes.
func (s *Session) pumpOutput(stdout io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.scroll.Write(data)

			s.mu.Lock()
			w := s.outputWriter
			s.mu.Unlock()
			if w != nil {
				// Consumer errors end the bridge, not the session.
				w.Write(data)
			}
		}
		if err != nil {
			return
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorMessage returns the message attached to an Error state.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// ConnectionID returns the bound connection id, if any.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Scrollback returns the session's scroll buffer.
func (s *Session) Scrollback() *Scrollback { return s.scroll }

// Controller returns the bound controller clone, or ok=false before connect.
func (s *Session) Controller() (sshconn.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl == nil {
		return sshconn.Controller{}, false
	}
	return s.ctrl.Clone(), true
}

// Touch records UI liveness (heartbeats, pings, traffic).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last observed UI activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// WSBinding returns the local WebSocket port and auth token while Connected.
func (s *Session) WSBinding() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsPort, s.wsToken
}

// SetWSBinding records the bridge's port and token. Only a Connected session
// may carry a WebSocket binding.
func (s *Session) SetWSBinding(port int, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port != 0 && s.state != StateConnected {
		return cerr.New(cerr.StateTransition, "session %s is %s; cannot bind a WebSocket", s.ID, s.state)
	}
	s.wsPort = port
	s.wsToken = token
	return nil
}

// Detached reports whether the UI has gone away without teardown.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Info is a display snapshot of a session.
type Info struct {
	ID           string `json:"id"`
	Order        int    `json:"order"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	WSPort       int    `json:"ws_port,omitempty"`
	Detached     bool   `json:"detached"`
	Lines        int    `json:"scrollback_lines"`
}

// Info returns a point-in-time snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Order:        s.Order,
		State:        string(s.state),
		Error:        s.errMsg,
		ConnectionID: s.connID,
		WSPort:       s.wsPort,
		Detached:     s.detached,
		Lines:        s.scroll.Len(),
	}
}

// openPTY opens the interactive channel over the controller, requests a PTY,
// starts the shell, and designates the channel for controller Data/Resize.
func openPTY(ctrl sshconn.Controller, shell string) (*ssh.Session, io.Reader, error) {
	if shell == "" {
		shell = DefaultShell
	}

	session, err := ctrl.OpenSessionChannel()
	if err != nil {
		return nil, nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", defaultTermRows, defaultTermCols, modes); err != nil {
		session.Close()
		return nil, nil, cerr.Wrap(cerr.ChannelError, err, "request PTY: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, cerr.Wrap(cerr.ChannelError, err, "stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, cerr.Wrap(cerr.ChannelError, err, "stdout pipe: %v", err)
	}
	if err := session.Start(shell); err != nil {
		session.Close()
		return nil, nil, cerr.Wrap(cerr.ChannelError, err, "start shell %q: %v", shell, err)
	}

	if err := ctrl.BindPTY(session, stdin); err != nil {
		session.Close()
		return nil, nil, err
	}

	log.Printf("[termsess] PTY started shell=%q", shell)
	return session, stdout, nil
}

// transitionError is the uniform illegal-transition failure.
func transitionError(id string, from State, op string) error {
	return cerr.New(cerr.StateTransition, fmt.Sprintf("session %s: cannot %s while %s", id, op, from))
}
