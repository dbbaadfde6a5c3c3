package forward

import (
	"fmt"
	"strings"
	"time"

	"github.com/oxterm/termcore/internal/sshconn"
)

// healthCheckTimeout bounds the pre-start target probe.
var healthCheckTimeout = 3 * time.Second

// HealthCause is the structured cause code of a failed health check, used
// by the UI to suggest remediation.
type HealthCause string

const (
	// CauseRefused means the server reached the target host but the port
	// refused or was unreachable.
	CauseRefused HealthCause = "refused"
	// CauseNetwork means the probe failed at the network or SSH layer.
	CauseNetwork HealthCause = "network"
)

// HealthError reports a failed health check with an actionable message.
type HealthError struct {
	Cause HealthCause
	Msg   string
}

func (e *HealthError) Error() string { return e.Msg }

// Display returns the user-facing remediation text.
func (e *HealthError) Display() string {
	switch e.Cause {
	case CauseRefused:
		return fmt.Sprintf("%s — check that the target service is running and listening", e.Msg)
	default:
		return fmt.Sprintf("%s — check the SSH connection and network", e.Msg)
	}
}

// healthCheck opens a direct-tcpip channel to the target and closes it
// immediately on success. Connection-refused style failures are reported
// with a structured cause, everything else as an opaque network error.
func healthCheck(ctrl sshconn.Controller, host string, port int) *HealthError {
	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := ctrl.OpenDirectTCPIP(host, port, "127.0.0.1", 0)
		if err == nil {
			ch.Close()
		}
		done <- result{err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return nil
		}
		msg := r.err.Error()
		if strings.Contains(msg, "refused") || strings.Contains(msg, "unreachable") {
			return &HealthError{Cause: CauseRefused, Msg: fmt.Sprintf("target %s:%d is not accepting connections", host, port)}
		}
		return &HealthError{Cause: CauseNetwork, Msg: fmt.Sprintf("health check for %s:%d failed: %v", host, port, r.err)}
	case <-time.After(healthCheckTimeout):
		return &HealthError{Cause: CauseNetwork, Msg: fmt.Sprintf("health check for %s:%d timed out", host, port)}
	}
}
