package sshpool

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
)

// Reconnection backoff configuration. Package-level vars so tests can
// override.
var (
	reconnectFirstDelay   = 200 * time.Millisecond
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 60 * time.Second
	reconnectMaxAttempts  = 5
	cascadeJitterMin      = 50 * time.Millisecond
	cascadeJitterMax      = 200 * time.Millisecond
)

// startReconnect launches the authoritative reconnect task for an entry,
// cancelling any predecessor. The fresh attempt id fences out stale tasks:
// any task that observes a newer id than its own must abandon its results.
func (p *Pool) startReconnect(e *Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.setReconnectCancel(cancel)
	myAttempt := e.newAttemptID()
	e.rcAttempts.Store(0)
	go p.reconnectLoop(ctx, e, myAttempt)
}

// reconnectLoop retries until success, the attempt cap, or supersession.
func (p *Pool) reconnectLoop(ctx context.Context, e *Entry, myAttempt uint64) {
	e.setState(StateReconnecting)
	p.emitStatus(e, StateReconnecting.String(), nil)

	maxAttempts := reconnectMaxAttempts
	if e.KeepAlive() {
		maxAttempts = 0 // unbounded
	}

	delay := reconnectFirstDelay
	for attempt := 1; ; attempt++ {
		if e.currentAttemptID() != myAttempt {
			return
		}

		p.bus.emit(EventReconnectProgress, ReconnectProgressEvent{
			ConnectionID: e.ID,
			Attempt:      attempt,
			MaxAttempts:  maxAttempts,
			NextRetryMs:  delay.Milliseconds(),
			Timestamp:    time.Now(),
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if e.currentAttemptID() != myAttempt {
			return
		}

		e.rcAttempts.Store(int32(attempt))
		ctrl, err := p.attemptReconnect(ctx, e)
		if err == nil {
			if e.currentAttemptID() != myAttempt {
				// A newer task took over while we were dialling; this
				// transport must not be published.
				ctrl.Disconnect()
				return
			}
			p.finishReconnect(e, ctrl, attempt)
			return
		}

		if cerr.Is(err, cerr.Cancelled) {
			return
		}
		log.Printf("[pool] reconnect attempt %d for %s failed: %v", attempt, e.ID, err)
		if !cerr.Retryable(err) || (maxAttempts > 0 && attempt >= maxAttempts) {
			p.abandonEntry(e, err)
			return
		}

		if attempt == 1 {
			delay = reconnectInitialDelay
		} else {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// attemptReconnect performs one connect+auth attempt. A tunnelled entry
// first checks its parent; a parent that cannot carry channels fails the
// attempt without touching the network.
func (p *Pool) attemptReconnect(ctx context.Context, e *Entry) (sshconn.Controller, error) {
	if e.ParentID == "" {
		return dialDirect(ctx, e.Config, p.opts.HostKeys.Callback(true), p.opts.DialTimeout)
	}

	parent, ok := p.Get(e.ParentID)
	if !ok {
		return sshconn.Controller{}, cerr.New(cerr.ConnectionFailed, "parent connection %s is gone", e.ParentID)
	}
	if st := parent.State(); !st.Usable() {
		return sshconn.Controller{}, cerr.New(cerr.ConnectionFailed, "parent connection is %s", st)
	}
	return dialVia(ctx, parent.Controller(), e.Config, p.opts.HostKeys.Callback(false), p.opts.DialTimeout)
}

// finishReconnect publishes the new controller while preserving the entry's
// identity, refs, config, created-at, associations, and parent id; then
// resumes the heartbeat and cascades to children stranded in LinkDown.
func (p *Pool) finishReconnect(e *Entry, ctrl sshconn.Controller, attempts int) {
	e.publishController(ctrl)
	e.hbFailures.Store(0)
	e.rcAttempts.Store(0)
	e.setState(StateActive)
	e.touch()
	log.Printf("[pool] reconnected %s after %d attempt(s)", e.ID, attempts)

	p.bus.emit(EventReconnected, ReconnectedEvent{
		ConnectionID: e.ID,
		TerminalIDs:  e.TerminalIDs(),
		ForwardIDs:   e.ForwardIDs(),
	})
	p.emitStatus(e, StateActive.String(), nil)
	p.startHeartbeat(e)

	// Cascade: children in LinkDown reconnect with jitter so a deep chain
	// does not storm the parent.
	for _, c := range p.childrenOf(e.ID) {
		if c.State() != StateLinkDown {
			continue
		}
		child := c
		jitter := cascadeJitterMin + time.Duration(rand.Int63n(int64(cascadeJitterMax-cascadeJitterMin)))
		time.AfterFunc(jitter, func() {
			if child.State() == StateLinkDown {
				p.startReconnect(child)
			}
		})
	}
}

// abandonEntry gives up on an entry after a final reconnect failure: its
// descendants are torn down, its parent reference released, and the entry
// removed from the map.
func (p *Pool) abandonEntry(e *Entry, cause error) {
	log.Printf("[pool] giving up on %s: %v", e.ID, cause)
	e.stopHeartbeat()
	e.cancelIdleTimer()

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

	if e.ParentID != "" {
		p.Release(e.ParentID)
	}
}
