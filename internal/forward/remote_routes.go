package forward

import (
	"fmt"
	"sync"
)

// remoteRoute is one entry of a manager's remote-forward dispatch table:
// inbound forwarded-tcpip channels for (bind, port) connect to
// (targetHost, targetPort) and account into stats.
//
// The table lives on the Manager, which owns the rules of exactly one
// connection. Scoping it per connection keeps two pooled connections that
// both forward the same bind address and port (a perfectly ordinary setup)
// from overwriting each other's targets or tearing down each other's
// routes on stop.
type remoteRoute struct {
	targetHost string
	targetPort int
	stats      *Stats
}

// routeTable maps "bindAddr:port" to a route for one connection.
type routeTable struct {
	mu sync.RWMutex
	m  map[string]remoteRoute
}

func routeKey(bindAddr string, port int) string {
	return fmt.Sprintf("%s:%d", bindAddr, port)
}

func (t *routeTable) register(bindAddr string, port int, targetHost string, targetPort int, stats *Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]remoteRoute)
	}
	t.m[routeKey(bindAddr, port)] = remoteRoute{
		targetHost: targetHost,
		targetPort: targetPort,
		stats:      stats,
	}
}

func (t *routeTable) lookup(bindAddr string, port int) (remoteRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.m[routeKey(bindAddr, port)]
	return r, ok
}

func (t *routeTable) unregister(bindAddr string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, routeKey(bindAddr, port))
}
