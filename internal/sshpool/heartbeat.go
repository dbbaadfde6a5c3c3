package sshpool

import (
	"context"
	"log"
	"time"

	"github.com/oxterm/termcore/internal/sshconn"
)

// heartbeatFailureThreshold is the number of consecutive ping timeouts that
// declare the link down. Two misses at the 15 s interval means 30 s of
// unresponsiveness.
const heartbeatFailureThreshold = 2

// startHeartbeat launches the per-entry liveness probe. It replaces any
// previous heartbeat task; the entry keeps the cancel handle.
func (p *Pool) startHeartbeat(e *Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.setHeartbeatCancel(cancel)
	e.hbFailures.Store(0)
	go p.heartbeatLoop(ctx, e)
}

// heartbeatLoop ticks at the configured interval until the entry enters a
// state that makes probing pointless, the transport dies, or the task is
// cancelled.
func (p *Pool) heartbeatLoop(ctx context.Context, e *Entry) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	ctrl := e.Controller()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.DisconnectNotify():
			// Transport died under us; no need to wait for a missed ping.
			p.linkDown(e, "transport closed")
			return
		case <-ticker.C:
		}

		switch e.State() {
		case StateReconnecting, StateDisconnecting, StateDisconnected:
			return
		}

		switch ctrl.Ping(p.opts.PingTimeout) {
		case sshconn.PingOk:
			e.hbFailures.Store(0)
			e.touch()
		case sshconn.PingIoError:
			p.linkDown(e, "ping I/O error")
			return
		case sshconn.PingTimeout:
			if e.hbFailures.Add(1) >= heartbeatFailureThreshold {
				p.linkDown(e, "ping timed out twice")
				return
			}
		}
	}
}

// linkDown transitions an entry (and its tunnel descendants, whose
// transports ride this one) to LinkDown and wakes the reconnect task.
func (p *Pool) linkDown(e *Entry, reason string) {
	if st := e.State(); st.terminal() || st == StateLinkDown || st == StateReconnecting {
		return
	}
	log.Printf("[pool] link down on %s: %s", e.ID, reason)

	affected := p.descendantIDs(e.ID)
	e.setState(StateLinkDown)
	p.emitStatus(e, StateLinkDown.String(), affected)

	for _, id := range affected {
		if c, ok := p.Get(id); ok && !c.State().terminal() {
			c.stopHeartbeat()
			c.setState(StateLinkDown)
			p.emitStatus(c, StateLinkDown.String(), nil)
		}
	}

	p.startReconnect(e)
}
