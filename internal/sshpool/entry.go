package sshpool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxterm/termcore/internal/envdetect"
	"github.com/oxterm/termcore/internal/sshconn"
)

// Entry is one live transport in the pool: controller, metadata, ref-count,
// and lifecycle state.
//
// Locking: each independent field group has its own lock. When more than one
// must be held, the fixed order is state → keep-alive → associations →
// status, and no lock is ever held across a controller call.
type Entry struct {
	ID        string
	Config    Config
	CreatedAt time.Time
	ParentID  string // non-empty for tunnelled connections

	refs       atomic.Int32
	lastActive atomic.Int64 // unix nanos

	stateMu sync.RWMutex
	state   State
	errMsg  string

	kaMu      sync.RWMutex
	keepAlive bool

	assocMu   sync.RWMutex
	terminals map[string]struct{}
	sftpID    string
	forwards  map[string]struct{}

	statusMu   sync.Mutex
	lastStatus string

	ctrlMu sync.RWMutex
	ctrl   sshconn.Controller

	envMu sync.RWMutex
	env   *envdetect.Record

	// task handles
	taskMu    sync.Mutex
	idleTimer *time.Timer
	hbCancel  context.CancelFunc
	rcCancel  context.CancelFunc

	hbFailures atomic.Int32
	rcAttempts atomic.Int32
	attemptID  atomic.Uint64
}

func newEntry(id string, cfg Config, parentID string, ctrl sshconn.Controller) *Entry {
	e := &Entry{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
		ParentID:  parentID,
		state:     StateConnecting,
		ctrl:      ctrl,
		terminals: make(map[string]struct{}),
		forwards:  make(map[string]struct{}),
	}
	e.touch()
	return e
}

// Info is a display snapshot of an entry.
type Info struct {
	ID          string            `json:"id"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	User        string            `json:"user"`
	State       string            `json:"state"`
	Refs        int               `json:"refs"`
	KeepAlive   bool              `json:"keep_alive"`
	ParentID    string            `json:"parent_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	LastActive  time.Time         `json:"last_active"`
	TerminalIDs []string          `json:"terminal_ids"`
	SFTPID      string            `json:"sftp_id,omitempty"`
	ForwardIDs  []string          `json:"forward_ids"`
	Environment *envdetect.Record `json:"environment,omitempty"`
	TrustedVia  string            `json:"trusted_via,omitempty"`
}

// Info returns a point-in-time snapshot for display.
func (e *Entry) Info() Info {
	info := Info{
		ID:         e.ID,
		Host:       e.Config.Host,
		Port:       e.Config.Port,
		User:       e.Config.User,
		State:      e.State().String(),
		Refs:       int(e.refs.Load()),
		KeepAlive:  e.KeepAlive(),
		ParentID:   e.ParentID,
		CreatedAt:  e.CreatedAt,
		LastActive: e.LastActive(),
	}
	e.assocMu.RLock()
	info.TerminalIDs = keys(e.terminals)
	info.SFTPID = e.sftpID
	info.ForwardIDs = keys(e.forwards)
	e.assocMu.RUnlock()
	e.envMu.RLock()
	info.Environment = e.env
	e.envMu.RUnlock()
	if e.ParentID != "" {
		info.TrustedVia = e.ParentID
	}
	return info
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// --- refs ---

// addRef increments the ref-count and returns the previous value.
func (e *Entry) addRef() int32 {
	return e.refs.Add(1) - 1
}

// releaseRef decrements the ref-count, saturating at zero, and returns the
// new value.
func (e *Entry) releaseRef() int32 {
	for {
		cur := e.refs.Load()
		if cur == 0 {
			log.Printf("[pool] ref underflow attempted on %s", e.ID)
			return 0
		}
		if e.refs.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Refs returns the current ref-count.
func (e *Entry) Refs() int { return int(e.refs.Load()) }

// --- activity ---

func (e *Entry) touch() { e.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns the time of the last observed activity.
func (e *Entry) LastActive() time.Time { return time.Unix(0, e.lastActive.Load()) }

func (e *Entry) idleFor() time.Duration { return time.Since(e.LastActive()) }

// --- state ---

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// setState updates the state, returning the previous one.
func (e *Entry) setState(s State) State {
	e.stateMu.Lock()
	prev := e.state
	e.state = s
	if s != StateError {
		e.errMsg = ""
	}
	e.stateMu.Unlock()
	return prev
}

func (e *Entry) setError(msg string) {
	e.stateMu.Lock()
	e.state = StateError
	e.errMsg = msg
	e.stateMu.Unlock()
}

// ErrorMessage returns the message attached to an Error state.
func (e *Entry) ErrorMessage() string {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.errMsg
}

// --- keep-alive ---

// KeepAlive reports whether idle eviction is disabled for this entry.
func (e *Entry) KeepAlive() bool {
	e.kaMu.RLock()
	defer e.kaMu.RUnlock()
	return e.keepAlive
}

func (e *Entry) setKeepAlive(v bool) {
	e.kaMu.Lock()
	e.keepAlive = v
	e.kaMu.Unlock()
}

// --- associations ---

// AddTerminal records a terminal session bound to this connection.
func (e *Entry) AddTerminal(sessionID string) {
	e.assocMu.Lock()
	e.terminals[sessionID] = struct{}{}
	e.assocMu.Unlock()
}

// RemoveTerminal drops a terminal session binding.
func (e *Entry) RemoveTerminal(sessionID string) {
	e.assocMu.Lock()
	delete(e.terminals, sessionID)
	e.assocMu.Unlock()
}

// HasTerminal reports whether the given terminal session is bound here.
func (e *Entry) HasTerminal(sessionID string) bool {
	e.assocMu.RLock()
	defer e.assocMu.RUnlock()
	_, ok := e.terminals[sessionID]
	return ok
}

// TerminalIDs returns the bound terminal session ids.
func (e *Entry) TerminalIDs() []string {
	e.assocMu.RLock()
	defer e.assocMu.RUnlock()
	return keys(e.terminals)
}

// SetSFTP records (or clears, with "") the SFTP session bound here.
func (e *Entry) SetSFTP(sessionID string) {
	e.assocMu.Lock()
	e.sftpID = sessionID
	e.assocMu.Unlock()
}

// AddForward records a forward rule bound to this connection.
func (e *Entry) AddForward(forwardID string) {
	e.assocMu.Lock()
	e.forwards[forwardID] = struct{}{}
	e.assocMu.Unlock()
}

// RemoveForward drops a forward rule binding.
func (e *Entry) RemoveForward(forwardID string) {
	e.assocMu.Lock()
	delete(e.forwards, forwardID)
	e.assocMu.Unlock()
}

// ForwardIDs returns the bound forward rule ids.
func (e *Entry) ForwardIDs() []string {
	e.assocMu.RLock()
	defer e.assocMu.RUnlock()
	return keys(e.forwards)
}

// --- controller ---

// Controller returns a clone of the current handle controller.
func (e *Entry) Controller() sshconn.Controller {
	e.ctrlMu.RLock()
	defer e.ctrlMu.RUnlock()
	return e.ctrl.Clone()
}

// publishController swaps in a new controller (after reconnect).
func (e *Entry) publishController(c sshconn.Controller) {
	e.ctrlMu.Lock()
	e.ctrl = c
	e.ctrlMu.Unlock()
}

// --- environment ---

// Environment returns the detected remote environment, if probed.
func (e *Entry) Environment() *envdetect.Record {
	e.envMu.RLock()
	defer e.envMu.RUnlock()
	return e.env
}

func (e *Entry) setEnvironment(rec *envdetect.Record) {
	e.envMu.Lock()
	e.env = rec
	e.envMu.Unlock()
}

// --- task handles ---

func (e *Entry) setIdleTimer(t *time.Timer) {
	e.taskMu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = t
	e.taskMu.Unlock()
}

func (e *Entry) cancelIdleTimer() {
	e.taskMu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.taskMu.Unlock()
}

func (e *Entry) setHeartbeatCancel(c context.CancelFunc) {
	e.taskMu.Lock()
	if e.hbCancel != nil {
		e.hbCancel()
	}
	e.hbCancel = c
	e.taskMu.Unlock()
}

func (e *Entry) stopHeartbeat() {
	e.taskMu.Lock()
	if e.hbCancel != nil {
		e.hbCancel()
		e.hbCancel = nil
	}
	e.taskMu.Unlock()
}

func (e *Entry) setReconnectCancel(c context.CancelFunc) {
	e.taskMu.Lock()
	if e.rcCancel != nil {
		e.rcCancel()
	}
	e.rcCancel = c
	e.taskMu.Unlock()
}

func (e *Entry) stopReconnect() {
	e.taskMu.Lock()
	if e.rcCancel != nil {
		e.rcCancel()
		e.rcCancel = nil
	}
	e.taskMu.Unlock()
}

// newAttemptID allocates a fresh reconnect attempt id and returns it. Any
// task holding an older id is no longer authoritative.
func (e *Entry) newAttemptID() uint64 { return e.attemptID.Add(1) }

// currentAttemptID returns the authoritative attempt id.
func (e *Entry) currentAttemptID() uint64 { return e.attemptID.Load() }
