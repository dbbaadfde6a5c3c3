package forward

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
)

// drainTimeout is how long Stop waits for bridged connections to finish
// before abandoning them.
var drainTimeout = 5 * time.Second

// StatusFunc receives forwarder status changes for the UI.
type StatusFunc func(ruleID string, status Status, message string)

// Forwarder is the runtime of one rule: its listener, stats, and lifecycle
// state.
type Forwarder struct {
	rule  Rule
	stats Stats

	mu        sync.Mutex
	status    Status
	errMsg    string
	boundPort int
	startedAt time.Time
	listener  net.Listener
	stop      chan struct{}
	active    sync.WaitGroup
}

// Rule returns a copy of the forwarder's rule.
func (f *Forwarder) Rule() Rule { return f.rule }

// Stats exposes the forwarder's shared counter block.
func (f *Forwarder) Stats() *Stats { return &f.stats }

// Status returns the current lifecycle state.
func (f *Forwarder) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// BoundPort returns the actual listening port (valid while active).
func (f *Forwarder) BoundPort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boundPort
}

// Info returns a display snapshot.
func (f *Forwarder) Info() RuleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return RuleInfo{
		Rule:      f.rule,
		Status:    f.status,
		Error:     f.errMsg,
		BoundPort: f.boundPort,
		Stats:     f.stats.Snapshot(),
		StartedAt: f.startedAt,
	}
}

// Manager owns the forward rules of one connection. Rules survive stop and
// suspension; only stopped rules may be edited. The remote-forward dispatch
// table is part of the manager so routes are scoped to this connection.
type Manager struct {
	mu       sync.RWMutex
	fwds     map[string]*Forwarder
	routes   routeTable
	onStatus StatusFunc
}

// NewManager creates an empty rule manager.
func NewManager(onStatus StatusFunc) *Manager {
	return &Manager{fwds: make(map[string]*Forwarder), onStatus: onStatus}
}

func (m *Manager) emit(f *Forwarder, status Status, msg string) {
	f.mu.Lock()
	f.status = status
	f.errMsg = msg
	f.mu.Unlock()
	if m.onStatus != nil {
		m.onStatus(f.rule.ID, status, msg)
	}
}

// Add registers a rule in the stopped state and returns its id.
func (m *Manager) Add(rule Rule) string {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	f := &Forwarder{rule: rule, status: StatusStopped}
	m.mu.Lock()
	m.fwds[rule.ID] = f
	m.mu.Unlock()
	return rule.ID
}

// Get returns the forwarder for a rule id.
func (m *Manager) Get(id string) (*Forwarder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fwds[id]
	return f, ok
}

// List returns display snapshots for every rule.
func (m *Manager) List() []RuleInfo {
	m.mu.RLock()
	fwds := make([]*Forwarder, 0, len(m.fwds))
	for _, f := range m.fwds {
		fwds = append(fwds, f)
	}
	m.mu.RUnlock()

	out := make([]RuleInfo, 0, len(fwds))
	for _, f := range fwds {
		out = append(out, f.Info())
	}
	return out
}

// Edit replaces a stopped rule's fields, preserving its id.
func (m *Manager) Edit(id string, rule Rule) error {
	f, ok := m.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no forward rule %s", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusStopped && f.status != StatusError && f.status != StatusSuspended {
		return cerr.New(cerr.StateTransition, "rule %s is %s; stop it before editing", id, f.status)
	}
	rule.ID = id
	f.rule = rule
	return nil
}

// Remove deletes a rule entirely, stopping it first if needed.
func (m *Manager) Remove(id string) error {
	f, ok := m.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no forward rule %s", id)
	}
	m.stopForwarder(f)
	m.mu.Lock()
	delete(m.fwds, id)
	m.mu.Unlock()
	return nil
}

// StartOptions tunes rule startup.
type StartOptions struct {
	// SkipHealthCheck disables the pre-start target probe.
	SkipHealthCheck bool
}

// Start brings a stopped rule up over the given controller. Unless opted
// out (and never for dynamic rules), the target is health-checked first.
// The returned port is the actual bound port (useful with BindPort 0).
func (m *Manager) Start(id string, ctrl sshconn.Controller, opts StartOptions) (int, error) {
	f, ok := m.Get(id)
	if !ok {
		return 0, cerr.New(cerr.NotFound, "no forward rule %s", id)
	}

	f.mu.Lock()
	if f.status == StatusActive || f.status == StatusStarting {
		f.mu.Unlock()
		return 0, cerr.New(cerr.StateTransition, "rule %s is already %s", id, f.status)
	}
	f.stop = make(chan struct{})
	f.mu.Unlock()

	m.emit(f, StatusStarting, "")

	if f.rule.Kind != KindDynamic && !opts.SkipHealthCheck {
		if herr := healthCheck(ctrl, f.rule.TargetHost, f.rule.TargetPort); herr != nil {
			m.emit(f, StatusError, herr.Display())
			return 0, herr
		}
	}

	var port int
	var err error
	switch f.rule.Kind {
	case KindLocal:
		port, err = m.startLocal(f, ctrl)
	case KindRemote:
		port, err = m.startRemote(f, ctrl)
	case KindDynamic:
		port, err = m.startDynamic(f, ctrl)
	default:
		err = cerr.New(cerr.ProtocolError, "unknown forward kind %q", f.rule.Kind)
	}
	if err != nil {
		m.emit(f, StatusError, err.Error())
		return 0, err
	}

	f.mu.Lock()
	f.boundPort = port
	f.startedAt = time.Now()
	f.mu.Unlock()
	m.emit(f, StatusActive, "")

	// Suspend when the underlying transport dies; the rule is retained and
	// may be restarted after reconnect.
	go m.watchDisconnect(f, ctrl)

	log.Printf("[forward] %s rule %s up on port %d", f.rule.Kind, f.rule.ID, port)
	return port, nil
}

func (m *Manager) watchDisconnect(f *Forwarder, ctrl sshconn.Controller) {
	f.mu.Lock()
	stop := f.stop
	f.mu.Unlock()

	select {
	case <-stop:
		return
	case <-ctrl.DisconnectNotify():
	}

	if f.Status() != StatusActive {
		return
	}
	log.Printf("[forward] transport lost, suspending rule %s", f.rule.ID)
	m.teardown(f)
	m.emit(f, StatusSuspended, "connection lost")
}

// Stop takes an active rule down, keeping it for later restart.
func (m *Manager) Stop(id string) error {
	f, ok := m.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no forward rule %s", id)
	}
	m.stopForwarder(f)
	return nil
}

func (m *Manager) stopForwarder(f *Forwarder) {
	if st := f.Status(); st != StatusActive && st != StatusStarting {
		return
	}
	m.teardown(f)
	m.emit(f, StatusStopped, "")
	log.Printf("[forward] rule %s stopped", f.rule.ID)
}

// teardown closes the listener and gives bridged connections a bounded
// drain window.
func (m *Manager) teardown(f *Forwarder) {
	f.mu.Lock()
	if f.stop != nil {
		select {
		case <-f.stop:
		default:
			close(f.stop)
		}
	}
	ln := f.listener
	f.listener = nil
	f.boundPort = 0
	f.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		f.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Printf("[forward] rule %s: abandoning undrained connections", f.rule.ID)
	}
}

// StopAll stops every active rule (used on shutdown).
func (m *Manager) StopAll() {
	for _, info := range m.List() {
		if info.Status == StatusActive || info.Status == StatusStarting {
			m.Stop(info.Rule.ID)
		}
	}
}

// Suspended returns the ids of rules parked by a transport loss.
func (m *Manager) Suspended() []string {
	var out []string
	for _, info := range m.List() {
		if info.Status == StatusSuspended {
			out = append(out, info.Rule.ID)
		}
	}
	return out
}

// startLocal binds the local listener and forwards each accepted socket
// through a fresh direct-tcpip channel.
func (m *Manager) startLocal(f *Forwarder, ctrl sshconn.Controller) (int, error) {
	addr := net.JoinHostPort(f.rule.BindAddr, fmt.Sprintf("%d", f.rule.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, cerr.Wrap(cerr.IoError, err, "listen on %s: %v", addr, err)
	}

	f.mu.Lock()
	f.listener = ln
	stop := f.stop
	f.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.active.Add(1)
			go func() {
				defer f.active.Done()
				local := conn.RemoteAddr().(*net.TCPAddr)
				ch, err := ctrl.OpenDirectTCPIP(f.rule.TargetHost, f.rule.TargetPort, local.IP.String(), local.Port)
				if err != nil {
					log.Printf("[forward] rule %s: open channel: %v", f.rule.ID, err)
					conn.Close()
					return
				}
				bridge(conn, ch, &f.stats, stop)
			}()
		}
	}()
	return port, nil
}

// startRemote issues the tcpip-forward global request, records the dispatch
// route, and serves inbound forwarded-tcpip channels.
func (m *Manager) startRemote(f *Forwarder, ctrl sshconn.Controller) (int, error) {
	ln, port, err := ctrl.TCPIPForward(f.rule.BindAddr, f.rule.BindPort)
	if err != nil {
		return 0, err
	}

	m.routes.register(f.rule.BindAddr, port, f.rule.TargetHost, f.rule.TargetPort, &f.stats)

	f.mu.Lock()
	f.listener = ln
	stop := f.stop
	f.mu.Unlock()

	bindAddr := f.rule.BindAddr
	go func() {
		defer m.routes.unregister(bindAddr, port)
		for {
			ch, err := ln.Accept()
			if err != nil {
				return
			}
			route, ok := m.routes.lookup(bindAddr, port)
			if !ok {
				ch.Close()
				continue
			}
			f.active.Add(1)
			go func() {
				defer f.active.Done()
				target := net.JoinHostPort(route.targetHost, fmt.Sprintf("%d", route.targetPort))
				local, err := net.DialTimeout("tcp", target, 10*time.Second)
				if err != nil {
					log.Printf("[forward] rule %s: dial %s: %v", f.rule.ID, target, err)
					ch.Close()
					return
				}
				bridge(local, ch, route.stats, stop)
			}()
		}
	}()
	return port, nil
}

// startDynamic binds the SOCKS5 listener.
func (m *Manager) startDynamic(f *Forwarder, ctrl sshconn.Controller) (int, error) {
	addr := net.JoinHostPort(f.rule.BindAddr, fmt.Sprintf("%d", f.rule.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, cerr.Wrap(cerr.IoError, err, "listen on %s: %v", addr, err)
	}

	f.mu.Lock()
	f.listener = ln
	stop := f.stop
	f.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.active.Add(1)
			go func() {
				defer f.active.Done()
				serveSOCKS5(conn, ctrl, &f.stats, stop)
			}()
		}
	}()
	return port, nil
}
