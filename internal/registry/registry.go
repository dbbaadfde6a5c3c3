// Package registry holds the process-wide registries of the session core:
// the connection pool, the terminal-session registry, and the persistent
// store. Everything is constructed once at startup and drained at shutdown;
// there are no initialisation-order dependencies between them.
package registry

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/oxterm/termcore/internal/config"
	"github.com/oxterm/termcore/internal/sshpool"
	"github.com/oxterm/termcore/internal/store"
	"github.com/oxterm/termcore/internal/termsess"
)

var (
	globalPool     *sshpool.Pool
	globalSessions *termsess.Registry
	globalStore    *store.Store
	registryMu     sync.RWMutex
)

// InitGlobal creates the global registries from the loaded configuration.
// Call once during application startup, after config.Load().
func InitGlobal() error {
	st, err := store.Open(filepath.Join(config.Cfg.DataPath, "termcore.db"))
	if err != nil {
		return err
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	globalStore = st
	globalPool = sshpool.New(sshpool.Options{
		MaxConnections:    config.Cfg.MaxConnections,
		IdleTimeout:       config.Cfg.IdleTimeout,
		HeartbeatInterval: config.Cfg.HeartbeatInterval,
		PingTimeout:       config.Cfg.PingTimeout,
		HostKeys:          sshpool.NewHostKeyCache(st),
		DetectEnv:         true,
	})
	globalSessions = termsess.NewRegistry(config.Cfg.MaxSessions, config.Cfg.ScrollbackLines)
	return nil
}

// GetPool returns the global connection pool.
func GetPool() *sshpool.Pool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalPool
}

// GetSessions returns the global terminal-session registry.
func GetSessions() *termsess.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalSessions
}

// GetStore returns the global persistent store.
func GetStore() *store.Store {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalStore
}

// ShutdownAll drains every registry: sessions first (they hold pool
// references), then connections, then the store.
func ShutdownAll() {
	registryMu.RLock()
	pool, sessions, st := globalPool, globalSessions, globalStore
	registryMu.RUnlock()

	if sessions != nil {
		sessions.Shutdown()
	}
	if pool != nil {
		pool.DisconnectAll()
	}
	if st != nil {
		if err := st.Close(); err != nil {
			log.Printf("[registry] close store: %v", err)
		}
	}
}

// SetGlobalForTest replaces the global registries for tests.
func SetGlobalForTest(p *sshpool.Pool, s *termsess.Registry, st *store.Store) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalPool = p
	globalSessions = s
	globalStore = st
}

// ResetGlobalForTest clears the global registries.
func ResetGlobalForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalPool = nil
	globalSessions = nil
	globalStore = nil
}
