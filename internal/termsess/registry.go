package termsess

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
)

// Registry is the thread-safe map of terminal sessions.
type Registry struct {
	maxSessions     int // 0 = unlimited
	scrollbackLines int

	// createMu spans the capacity check and map insertion.
	createMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session

	nextOrder   atomic.Int64
	activeCount atomic.Int64
}

// NewRegistry creates a session registry. scrollbackLines sets the default
// buffer size for new sessions.
func NewRegistry(maxSessions, scrollbackLines int) *Registry {
	return &Registry{
		maxSessions:     maxSessions,
		scrollbackLines: scrollbackLines,
		sessions:        make(map[string]*Session),
	}
}

// Create registers a new session in the Disconnected state and returns it.
// The optional scrollback size overrides the registry default.
func (r *Registry) Create(scrollbackLines int) (*Session, error) {
	if scrollbackLines <= 0 {
		scrollbackLines = r.scrollbackLines
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, cerr.New(cerr.LimitReached, "session limit of %d reached", r.maxSessions)
	}

	s := &Session{
		ID:       uuid.NewString(),
		Order:    int(r.nextOrder.Add(1)),
		state:    StateDisconnected,
		scroll:   NewScrollback(scrollbackLines),
		lastSeen: time.Now(),
	}
	r.sessions[s.ID] = s
	return s, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns session snapshots sorted by display order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ActiveCount returns the number of sessions in Connecting or Connected,
// plus sessions whose Error was entered from an active state.
func (r *Registry) ActiveCount() int {
	return int(r.activeCount.Load())
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// markActive flips a session's active flag, keeping activeCount in step.
// Caller must hold s.mu.
func (r *Registry) markActive(s *Session, active bool) {
	if s.active == active {
		return
	}
	s.active = active
	if active {
		r.activeCount.Add(1)
		return
	}
	// Saturating decrement.
	for {
		cur := r.activeCount.Load()
		if cur == 0 {
			return
		}
		if r.activeCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// StartConnect transitions Disconnected → Connecting.
func (r *Registry) StartConnect(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return transitionError(id, s.state, "start connecting")
	}
	s.state = StateConnecting
	s.errMsg = ""
	r.markActive(s, true)
	return nil
}

// FinishConnect binds a controller and connection id, opens the PTY, and
// transitions Connecting → Connected. On PTY failure the session moves to
// Error.
func (r *Registry) FinishConnect(id, connID string, ctrl sshconn.Controller, shell string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return transitionError(id, st, "finish connecting")
	}
	s.mu.Unlock()

	// The channel open happens outside the session lock; controller calls
	// must never run under it.
	ptySess, stdout, err := openPTY(ctrl, shell)
	if err != nil {
		r.SetError(id, err.Error())
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = StateConnected
	s.connID = connID
	s.ctrl = &ctrl
	s.ptySess = ptySess
	s.ptyOut = stdout
	s.ptyDone = done
	s.lastSeen = time.Now()
	s.mu.Unlock()

	// The pump keeps the scrollback fed (and the SSH channel drained) even
	// when no bridge is attached.
	go s.pumpOutput(stdout, done)
	return nil
}

// SetError moves an active session to Error with a display message.
func (r *Registry) SetError(id, msg string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateConnected:
		s.state = StateError
		s.errMsg = msg
		s.wsPort = 0
		s.wsToken = ""
		// Error entered from an active state keeps its active accounting.
		return nil
	default:
		return transitionError(id, s.state, "set error")
	}
}

// StartDisconnect transitions Connected → Disconnecting and closes the PTY.
func (r *Registry) StartDisconnect(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return transitionError(id, st, "start disconnecting")
	}
	s.state = StateDisconnecting
	s.wsPort = 0
	s.wsToken = ""
	ctrl := s.ctrl
	s.cancelDetachLocked()
	s.mu.Unlock()

	if ctrl != nil {
		ctrl.ClosePTY()
	}
	return nil
}

// FinishDisconnect completes teardown: Disconnecting (or Error) →
// Disconnected.
func (r *Registry) FinishDisconnect(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDisconnecting, StateError:
	default:
		return transitionError(id, s.state, "finish disconnecting")
	}
	s.state = StateDisconnected
	s.connID = ""
	s.ctrl = nil
	s.ptySess = nil
	s.ptyOut = nil
	r.markActive(s, false)
	return nil
}

// Close sends the terminating command to the PTY owner and transitions to
// Disconnecting. The caller completes with FinishDisconnect once drained.
func (r *Registry) Close(id string) error {
	return r.StartDisconnect(id)
}

// Remove deletes a session from the registry. Active sessions are
// disconnected first.
func (r *Registry) Remove(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}

	s.mu.Lock()
	s.cancelDetachLocked()
	wasActive := s.active
	ctrl := s.ctrl
	s.mu.Unlock()

	if ctrl != nil {
		ctrl.ClosePTY()
	}
	if wasActive {
		s.mu.Lock()
		r.markActive(s, false)
		s.mu.Unlock()
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	log.Printf("[termsess] removed session %s", id)
	return nil
}

// UpdateOrder moves one session to a new display position.
func (r *Registry) UpdateOrder(id string, newOrder int) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	s.Order = newOrder
	s.mu.Unlock()
	return nil
}

// Reorder renumbers sessions to match the given id order. Unknown ids are
// ignored; sessions not listed keep their relative order after the listed
// ones.
func (r *Registry) Reorder(idsInOrder []string) {
	order := 0
	seen := make(map[string]bool, len(idsInOrder))
	for _, id := range idsInOrder {
		if s, ok := r.Get(id); ok {
			order++
			s.mu.Lock()
			s.Order = order
			s.mu.Unlock()
			seen[id] = true
		}
	}
	for _, info := range r.List() {
		if !seen[info.ID] {
			if s, ok := r.Get(info.ID); ok {
				order++
				s.mu.Lock()
				s.Order = order
				s.mu.Unlock()
			}
		}
	}
}

// MarkWSDetached flags a session whose UI went away without teardown and
// schedules PTY cleanup after the TTL. onTimeout (optional) runs after the
// teardown, typically to release the pool reference.
func (r *Registry) MarkWSDetached(id string, ttl time.Duration, onTimeout func()) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	s.wsPort = 0
	s.wsToken = ""
	s.cancelDetachLocked()
	s.detachTimer = time.AfterFunc(ttl, func() {
		log.Printf("[termsess] detach TTL expired for session %s", id)
		if err := r.StartDisconnect(id); err == nil {
			r.FinishDisconnect(id)
		}
		if onTimeout != nil {
			onTimeout()
		}
	})
	log.Printf("[termsess] session %s detached (ttl %s)", id, ttl)
	return nil
}

// ResumeWS cancels the detach timer when a new bridge attaches.
func (r *Registry) ResumeWS(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = false
	s.cancelDetachLocked()
	return nil
}

// cancelDetachLocked stops the detach timer. Caller holds s.mu.
func (s *Session) cancelDetachLocked() {
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
	s.detached = false
}

// Shutdown tears down every session.
func (r *Registry) Shutdown() {
	for _, info := range r.List() {
		r.Remove(info.ID)
	}
}
