// termcore is the SSH session core daemon: it owns the connection pool,
// terminal-session registry, and persistent store, and exposes them to the
// embedding application. The graphical front end attaches per-session
// WebSocket bridges and receives pool events through the emitter.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oxterm/termcore/internal/config"
	"github.com/oxterm/termcore/internal/logging"
	"github.com/oxterm/termcore/internal/registry"
	"github.com/oxterm/termcore/internal/store"
)

func main() {
	config.Load()
	logging.Init()

	if err := registry.InitGlobal(); err != nil {
		log.Fatalf("registry init: %v", err)
	}
	defer registry.ShutdownAll()

	// Until the UI attaches its own emitter, pool events go to the log;
	// events produced before attach are buffered and replayed in order.
	registry.GetPool().SetEmitter(func(event string, payload any) {
		data, _ := json.Marshal(payload)
		log.Printf("[event] %s %s", event, data)
	})

	// Maintenance: sweep stale persisted records on the configured schedule.
	c := cron.New()
	if _, err := c.AddFunc(config.Cfg.MaintenanceSchedule, func() {
		st := registry.GetStore()
		if st == nil {
			return
		}
		st.Sweep(store.BucketScrollback, 7*24*time.Hour)
		st.Sweep(store.BucketTransfers, 7*24*time.Hour)
	}); err != nil {
		log.Printf("WARNING: maintenance schedule %q: %v", config.Cfg.MaintenanceSchedule, err)
	} else {
		c.Start()
		defer c.Stop()
	}

	log.Printf("termcore up (max_connections=%d, max_sessions=%d)",
		config.Cfg.MaxConnections, config.Cfg.MaxSessions)

	// SIGHUP truncates the log file in place so external rotation does not
	// have to restart the daemon.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := logging.Clear(); err != nil {
				log.Printf("WARNING: clear log: %v", err)
			} else {
				log.Printf("log file truncated on SIGHUP")
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
}
