// Package sshpool maintains the registry of live SSH transports.
//
// Each transport is wrapped in an Entry carrying a ref-count, lifecycle
// state, and the handle controller through which all channel operations run.
// The pool enforces a connection cap, evicts idle entries, reuses compatible
// transports, probes liveness with a per-entry heartbeat, and rebuilds dead
// transports in place so that the connection id survives network loss.
//
// Tunnelled connections are entries whose transport rides a direct-tcpip
// channel of a parent entry; each child holds one reference on its parent
// for its whole lifetime.
package sshpool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/envdetect"
	"github.com/oxterm/termcore/internal/logutil"
	"github.com/oxterm/termcore/internal/sshconn"
)

// Options configures a Pool. Zero values select the documented defaults.
type Options struct {
	MaxConnections    int           // 0 = unlimited
	IdleTimeout       time.Duration // default 30m
	HeartbeatInterval time.Duration // default 15s
	PingTimeout       time.Duration // default 10s
	DialTimeout       time.Duration // default 10s
	HostKeys          *HostKeyCache // nil = fresh in-memory cache
	DetectEnv         bool          // probe remote environment after connect
}

func (o *Options) fill() {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = sshconn.DefaultPingTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HostKeys == nil {
		o.HostKeys = NewHostKeyCache(nil)
	}
}

// Pool is the connection registry.
type Pool struct {
	opts Options
	bus  eventBus

	// connectMu spans the capacity check and map insertion so concurrent
	// connects cannot overshoot the cap.
	connectMu sync.Mutex

	mu    sync.RWMutex
	conns map[string]*Entry
}

// Package-level transport hooks so tests can substitute dialers.
var (
	dialDirect        = dialDirectTransport
	dialVia           = dialViaTransport
	detectEnvironment = envdetect.Detect
)

// New creates a Pool.
func New(opts Options) *Pool {
	opts.fill()
	return &Pool{opts: opts, conns: make(map[string]*Entry)}
}

// SetEmitter attaches the UI event emitter and flushes any buffered events
// in order.
func (p *Pool) SetEmitter(e Emitter) { p.bus.attach(e) }

// dialDirectTransport establishes a TCP connection and SSH handshake.
func dialDirectTransport(ctx context.Context, cfg Config, hk ssh.HostKeyCallback, timeout time.Duration) (sshconn.Controller, error) {
	auths, err := buildAuthMethods(cfg.Auth)
	if err != nil {
		return sshconn.Controller{}, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hk,
		Timeout:         timeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", cfg.Addr(), clientCfg)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return sshconn.Controller{}, cerr.Wrap(cerr.Cancelled, ctx.Err(), "connect cancelled")
	case r := <-done:
		if r.err != nil {
			return sshconn.Controller{}, classifyDialError(r.err)
		}
		return sshconn.Own(r.client), nil
	}
}

// dialViaTransport establishes a transport over a parent's direct-tcpip channel.
func dialViaTransport(ctx context.Context, parent sshconn.Controller, cfg Config, hk ssh.HostKeyCallback, timeout time.Duration) (sshconn.Controller, error) {
	auths, err := buildAuthMethods(cfg.Auth)
	if err != nil {
		return sshconn.Controller{}, err
	}
	conn, err := parent.OpenDirectTCPIP(cfg.Host, cfg.Port, "127.0.0.1", 0)
	if err != nil {
		return sshconn.Controller{}, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hk,
		Timeout:         timeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
		if err != nil {
			done <- dialResult{err: err}
			return
		}
		done <- dialResult{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return sshconn.Controller{}, cerr.Wrap(cerr.Cancelled, ctx.Err(), "connect cancelled")
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return sshconn.Controller{}, classifyDialError(r.err)
		}
		return sshconn.Own(r.client), nil
	}
}

// reserve inserts a Connecting entry, enforcing the connection cap. The
// guard spans the capacity check and the insertion.
func (p *Pool) reserve(e *Entry) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.MaxConnections > 0 && len(p.conns) >= p.opts.MaxConnections {
		return cerr.New(cerr.LimitReached, "connection limit of %d reached", p.opts.MaxConnections)
	}
	p.conns[e.ID] = e
	return nil
}

func (p *Pool) removeEntry(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// Get returns the entry for an id.
func (p *Pool) Get(id string) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[id]
	return e, ok
}

// Connect establishes a new direct connection and returns its id.
func (p *Pool) Connect(ctx context.Context, cfg Config) (string, error) {
	e := newEntry(uuid.NewString(), cfg, "", sshconn.Controller{})
	if err := p.reserve(e); err != nil {
		return "", err
	}
	p.emitStatus(e, StateConnecting.String(), nil)

	ctrl, err := dialDirect(ctx, cfg, p.opts.HostKeys.Callback(true), p.opts.DialTimeout)
	if err != nil {
		p.removeEntry(e.ID)
		return "", err
	}

	p.adopt(e, ctrl)
	log.Printf("[pool] connected %s (%s)", e.ID, logutil.SanitizeForLog(cfg.Fingerprint()))
	return e.ID, nil
}

// Tunnel establishes a connection whose transport traverses the parent's
// direct-tcpip channel. The child holds one reference on the parent for its
// entire lifetime.
func (p *Pool) Tunnel(ctx context.Context, parentID string, cfg Config) (string, error) {
	parent, ok := p.Get(parentID)
	if !ok {
		return "", cerr.New(cerr.NotFound, "no connection %s", parentID)
	}
	if st := parent.State(); !st.Usable() {
		return "", cerr.New(cerr.StateTransition, "parent connection is %s, not usable for tunnelling", st)
	}

	// The child's parent reference.
	parentCtrl, err := p.Acquire(parentID)
	if err != nil {
		return "", err
	}

	e := newEntry(uuid.NewString(), cfg, parentID, sshconn.Controller{})
	if err := p.reserve(e); err != nil {
		p.Release(parentID)
		return "", err
	}
	p.emitStatus(e, StateConnecting.String(), nil)

	// Tunnelled hops are non-strict: the outer transport is already verified.
	ctrl, err := dialVia(ctx, parentCtrl, cfg, p.opts.HostKeys.Callback(false), p.opts.DialTimeout)
	if err != nil {
		p.removeEntry(e.ID)
		p.Release(parentID)
		return "", err
	}

	p.adopt(e, ctrl)
	log.Printf("[pool] tunnelled %s via %s (%s)", e.ID, parentID, logutil.SanitizeForLog(cfg.Fingerprint()))
	return e.ID, nil
}

// RegisterExisting adopts an externally-established client (for example one
// authenticated via keyboard-interactive, which must round-trip prompts to
// the UI) into the pool.
func (p *Pool) RegisterExisting(cfg Config, client *ssh.Client) (string, error) {
	e := newEntry(uuid.NewString(), cfg, "", sshconn.Controller{})
	if err := p.reserve(e); err != nil {
		return "", err
	}
	p.adopt(e, sshconn.Own(client))
	log.Printf("[pool] registered existing transport %s (%s)", e.ID, logutil.SanitizeForLog(cfg.Fingerprint()))
	return e.ID, nil
}

// DialKeyboardInteractive performs the interactive connect path: the
// challenge callback round-trips prompts to the UI, and the resulting
// transport is registered into the pool.
func (p *Pool) DialKeyboardInteractive(ctx context.Context, cfg Config, challenge ssh.KeyboardInteractiveChallenge) (string, error) {
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.KeyboardInteractive(challenge)},
		HostKeyCallback: p.opts.HostKeys.Callback(true),
		Timeout:         p.opts.DialTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", cfg.Addr(), clientCfg)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", cerr.Wrap(cerr.Cancelled, ctx.Err(), "connect cancelled")
	case r := <-done:
		if r.err != nil {
			return "", classifyDialError(r.err)
		}
		return p.RegisterExisting(cfg, r.client)
	}
}

// adopt publishes a controller onto a reserved entry, activates it, and
// starts its heartbeat.
func (p *Pool) adopt(e *Entry, ctrl sshconn.Controller) {
	e.publishController(ctrl)
	e.setState(StateActive)
	e.touch()
	p.emitStatus(e, StateActive.String(), nil)
	p.startHeartbeat(e)
	if p.opts.DetectEnv {
		go func() {
			rec := detectEnvironment(e.Controller())
			e.setEnvironment(rec)
		}()
	}
}

// Acquire returns a controller clone and increments the ref-count. The first
// reference cancels the idle timer and reactivates an idle entry.
func (p *Pool) Acquire(id string) (sshconn.Controller, error) {
	e, ok := p.Get(id)
	if !ok {
		return sshconn.Controller{}, cerr.New(cerr.NotFound, "no connection %s", id)
	}
	if st := e.State(); st.terminal() {
		return sshconn.Controller{}, cerr.New(cerr.AlreadyDisconnected, "connection %s is %s", id, st)
	}

	if prev := e.addRef(); prev == 0 {
		e.cancelIdleTimer()
		if e.State() == StateIdle {
			e.setState(StateActive)
			p.emitStatus(e, StateActive.String(), nil)
		}
	}
	e.touch()
	return e.Controller(), nil
}

// Release decrements the ref-count. When the last reference is dropped and
// keep-alive is off, the entry idles and its eviction timer is scheduled.
func (p *Pool) Release(id string) error {
	e, ok := p.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no connection %s", id)
	}

	if e.releaseRef() == 0 && !e.KeepAlive() {
		if e.State() == StateActive {
			e.setState(StateIdle)
			p.emitStatus(e, StateIdle.String(), nil)
		}
		p.scheduleIdle(e)
	}
	return nil
}

// scheduleIdle arms the idle eviction timer for an entry.
func (p *Pool) scheduleIdle(e *Entry) {
	id := e.ID
	e.setIdleTimer(time.AfterFunc(p.opts.IdleTimeout, func() {
		entry, ok := p.Get(id)
		if !ok || entry.Refs() > 0 || entry.KeepAlive() {
			return
		}
		log.Printf("[pool] idle timeout, evicting %s", id)
		p.Disconnect(id)
	}))
}

// SetKeepAlive toggles idle eviction for an entry.
func (p *Pool) SetKeepAlive(id string, keepAlive bool) error {
	e, ok := p.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no connection %s", id)
	}
	e.setKeepAlive(keepAlive)
	if keepAlive {
		e.cancelIdleTimer()
	} else if e.Refs() == 0 {
		p.scheduleIdle(e)
	}
	return nil
}

// FindReusable returns the best existing connection matching cfg together
// with its quality score (0-100), or ok=false when none qualifies.
func (p *Pool) FindReusable(cfg Config) (string, int, bool) {
	p.mu.RLock()
	candidates := make([]*Entry, 0, 4)
	for _, e := range p.conns {
		if e.Config.matches(cfg) {
			candidates = append(candidates, e)
		}
	}
	p.mu.RUnlock()

	bestID, bestQ := "", -1
	for _, e := range candidates {
		if !e.State().Usable() {
			continue
		}
		if !e.Controller().Alive() {
			continue
		}
		if e.hbFailures.Load() != 0 {
			continue
		}
		if q := quality(e); q > bestQ {
			bestID, bestQ = e.ID, q
		}
	}
	if bestID == "" {
		return "", 0, false
	}
	return bestID, bestQ, true
}

// quality scores a candidate for reuse. Saturating arithmetic; higher is
// better.
func quality(e *Entry) int {
	q := 100
	if e.State() == StateIdle {
		q -= 10
	}
	switch refs := e.Refs(); {
	case refs > 5:
		q -= 20
	case refs > 2:
		q -= 10
	}
	switch idle := e.idleFor(); {
	case idle > 300*time.Second:
		q -= 15
	case idle > 60*time.Second:
		q -= 5
	}
	if q < 0 {
		q = 0
	}
	return q
}

// childrenOf returns the direct tunnel children of a connection.
func (p *Pool) childrenOf(id string) []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Entry
	for _, e := range p.conns {
		if e.ParentID == id {
			out = append(out, e)
		}
	}
	return out
}

// descendantIDs returns all transitive tunnel descendants of a connection.
func (p *Pool) descendantIDs(id string) []string {
	var out []string
	for _, c := range p.childrenOf(id) {
		out = append(out, c.ID)
		out = append(out, p.descendantIDs(c.ID)...)
	}
	return out
}

// Disconnect terminates a connection and all of its tunnel descendants,
// child-first. The entry's own parent (if any) receives a single release.
func (p *Pool) Disconnect(id string) error {
	e, ok := p.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no connection %s", id)
	}
	p.teardown(e, true)
	return nil
}

// teardown closes an entry. Parent-reference accounting: the refs this entry
// holds for its own children are batch-decremented before the children are
// recursively removed, so no child's removal re-enters this entry.
func (p *Pool) teardown(e *Entry, releaseParent bool) {
	e.stopReconnect()
	e.stopHeartbeat()
	e.cancelIdleTimer()
	e.setState(StateDisconnecting)
	p.emitStatus(e, StateDisconnecting.String(), nil)

	children := p.childrenOf(e.ID)
	for range children {
		e.releaseRef()
	}
	for _, c := range children {
		p.teardown(c, false)
	}

	e.Controller().Disconnect()
	e.setState(StateDisconnected)
	p.emitStatus(e, StateDisconnected.String(), nil)
	p.removeEntry(e.ID)
	log.Printf("[pool] disconnected %s", e.ID)

	if releaseParent && e.ParentID != "" {
		p.Release(e.ParentID)
	}
}

// DisconnectAll terminates every connection, roots last.
func (p *Pool) DisconnectAll() {
	for {
		p.mu.RLock()
		var root *Entry
		for _, e := range p.conns {
			if e.ParentID == "" {
				root = e
				break
			}
			if _, ok := p.conns[e.ParentID]; !ok {
				root = e
				break
			}
		}
		p.mu.RUnlock()
		if root == nil {
			return
		}
		p.teardown(root, true)
	}
}

// Count returns the number of live entries.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// List returns info snapshots for every entry.
func (p *Pool) List() []Info {
	p.mu.RLock()
	entries := make([]*Entry, 0, len(p.conns))
	for _, e := range p.conns {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Info())
	}
	return out
}

// Stats summarises the pool for display.
type Stats struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"by_state"`
	TotalRefs int            `json:"total_refs"`
}

// Stats returns aggregate pool statistics.
func (p *Pool) Stats() Stats {
	s := Stats{ByState: make(map[string]int)}
	for _, info := range p.List() {
		s.Total++
		s.ByState[info.State]++
		s.TotalRefs += info.Refs
	}
	return s
}

// FindByTerminal returns the connection a terminal session is bound to.
func (p *Pool) FindByTerminal(sessionID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, e := range p.conns {
		if e.HasTerminal(sessionID) {
			return id, true
		}
	}
	return "", false
}

// IsAlive reports whether a connection exists and its transport is up.
func (p *Pool) IsAlive(id string) bool {
	e, ok := p.Get(id)
	if !ok {
		return false
	}
	return e.State().Usable() && e.Controller().Alive()
}
