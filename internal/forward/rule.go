// Package forward implements the port-forwarding engine: local listeners,
// remote listeners established via tcpip-forward global requests, and a
// SOCKS5 proxy, each opening SSH channels over a pooled connection and
// bridging bytes bidirectionally.
package forward

import (
	"sync/atomic"
	"time"
)

// Kind selects the forwarding direction.
type Kind string

const (
	KindLocal   Kind = "local"
	KindRemote  Kind = "remote"
	KindDynamic Kind = "dynamic"
)

// Status is the lifecycle state of a forward rule.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
)

// Rule describes one forward. Target fields are ignored for dynamic rules.
// A rule keeps its id across stop/restart; stopped rules are retained so
// they can be restarted later.
type Rule struct {
	ID          string `json:"id" msgpack:"id"`
	Kind        Kind   `json:"kind" msgpack:"kind"`
	BindAddr    string `json:"bind_addr" msgpack:"bind_addr"`
	BindPort    int    `json:"bind_port" msgpack:"bind_port"`
	TargetHost  string `json:"target_host" msgpack:"target_host"`
	TargetPort  int    `json:"target_port" msgpack:"target_port"`
	Description string `json:"description" msgpack:"description"`
}

// Stats is the shared counter block of a forwarder. Counters are atomics so
// every bridged connection can update them from its own goroutines.
type Stats struct {
	ConnectionCount   atomic.Int64
	ActiveConnections atomic.Int64
	BytesSent         atomic.Uint64
	BytesReceived     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters for display.
type StatsSnapshot struct {
	ConnectionCount   int64  `json:"connection_count"`
	ActiveConnections int64  `json:"active_connections"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ConnectionCount:   s.ConnectionCount.Load(),
		ActiveConnections: s.ActiveConnections.Load(),
		BytesSent:         s.BytesSent.Load(),
		BytesReceived:     s.BytesReceived.Load(),
	}
}

// RuleInfo is the display snapshot of a rule and its runtime state.
type RuleInfo struct {
	Rule      Rule          `json:"rule"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	BoundPort int           `json:"bound_port,omitempty"`
	Stats     StatsSnapshot `json:"stats"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}
