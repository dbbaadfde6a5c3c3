package termsess

import (
	"strings"
	"sync"
)

// Scrollback is a bounded, append-only buffer of parsed terminal lines.
// Writers feed raw PTY bytes; the buffer splits them on newlines, keeping a
// partial trailing line open until its terminator arrives. Readers take
// point-in-time snapshots of the tail so no lock is held while a consumer
// (replay, search) walks the lines.
type Scrollback struct {
	mu      sync.Mutex
	lines   []string
	partial strings.Builder
	max     int
}

// NewScrollback creates a buffer retaining up to max lines. A max of 0
// disables retention.
func NewScrollback(max int) *Scrollback {
	return &Scrollback{max: max}
}

// Write feeds raw PTY output into the buffer.
func (sb *Scrollback) Write(data []byte) {
	if sb.max == 0 {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, b := range data {
		switch b {
		case '\n':
			line := strings.TrimSuffix(sb.partial.String(), "\r")
			sb.partial.Reset()
			sb.lines = append(sb.lines, line)
			if len(sb.lines) > sb.max {
				sb.lines = sb.lines[len(sb.lines)-sb.max:]
			}
		default:
			sb.partial.WriteByte(b)
		}
	}
}

// Tail returns a snapshot of the last n complete lines (all lines when n
// exceeds the retained count), plus the open partial line if any.
func (sb *Scrollback) Tail(n int) []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	lines := sb.lines
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines), len(lines)+1)
	copy(out, lines)
	if sb.partial.Len() > 0 {
		out = append(out, sb.partial.String())
	}
	return out
}

// preload seeds the buffer with previously persisted lines, subject to the
// retention cap.
func (sb *Scrollback) preload(lines []string) {
	if sb.max == 0 {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.lines = append(sb.lines, lines...)
	if len(sb.lines) > sb.max {
		sb.lines = sb.lines[len(sb.lines)-sb.max:]
	}
}

// Len returns the number of complete lines retained.
func (sb *Scrollback) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.lines)
}
