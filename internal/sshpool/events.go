package sshpool

import (
	"log"
	"sync"
	"time"
)

// Event names are part of the UI contract and must not change.
const (
	EventStatusChanged     = "connection_status_changed"
	EventReconnected       = "connection_reconnected"
	EventReconnectProgress = "connection_reconnect_progress"
)

// StatusEvent is the payload of connection_status_changed.
type StatusEvent struct {
	ConnectionID     string    `json:"connection_id"`
	Status           string    `json:"status"`
	AffectedChildren []string  `json:"affected_children"`
	Timestamp        time.Time `json:"timestamp"`
}

// ReconnectedEvent is the payload of connection_reconnected. It carries the
// associated terminal and forward ids so upper layers can re-bind.
type ReconnectedEvent struct {
	ConnectionID string   `json:"connection_id"`
	TerminalIDs  []string `json:"terminal_ids"`
	ForwardIDs   []string `json:"forward_ids"`
}

// ReconnectProgressEvent is the payload of connection_reconnect_progress.
// MaxAttempts is 0 when the retry loop is unbounded (keep-alive entries).
type ReconnectProgressEvent struct {
	ConnectionID string    `json:"connection_id"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
	NextRetryMs  int64     `json:"next_retry_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Emitter delivers a named event to the UI layer.
type Emitter func(event string, payload any)

// queuedEvent buffers an event produced before the emitter is attached.
type queuedEvent struct {
	name    string
	payload any
}

// maxQueuedEvents caps the pre-attach buffer; beyond it the oldest events
// are dropped rather than blocking producers.
const maxQueuedEvents = 1024

// eventBus fans events out to the attached emitter, buffering everything
// produced before attach and draining the buffer in order at attach time.
type eventBus struct {
	mu      sync.Mutex
	emitter Emitter
	queue   []queuedEvent
}

func (b *eventBus) attach(e Emitter) {
	b.mu.Lock()
	b.emitter = e
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, ev := range pending {
		e(ev.name, ev.payload)
	}
}

func (b *eventBus) emit(name string, payload any) {
	b.mu.Lock()
	if b.emitter == nil {
		if len(b.queue) >= maxQueuedEvents {
			b.queue = b.queue[1:]
		}
		b.queue = append(b.queue, queuedEvent{name: name, payload: payload})
		b.mu.Unlock()
		return
	}
	e := b.emitter
	b.mu.Unlock()
	e(name, payload)
}

// emitStatus emits a connection_status_changed event for an entry, guarded
// against consecutive duplicates of the same status string.
func (p *Pool) emitStatus(e *Entry, status string, affectedChildren []string) {
	e.statusMu.Lock()
	if e.lastStatus == status {
		e.statusMu.Unlock()
		return
	}
	e.lastStatus = status
	e.statusMu.Unlock()

	if affectedChildren == nil {
		affectedChildren = []string{}
	}
	log.Printf("[pool] %s status -> %s", e.ID, status)
	p.bus.emit(EventStatusChanged, StatusEvent{
		ConnectionID:     e.ID,
		Status:           status,
		AffectedChildren: affectedChildren,
		Timestamp:        time.Now(),
	})
}
