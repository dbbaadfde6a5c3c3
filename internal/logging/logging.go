// Package logging tees the process log to stdout and a file under the data
// directory, and gives the embedding application tail and truncate access
// to that file (the UI's log viewer reads the tail; SIGHUP truncates).
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oxterm/termcore/internal/config"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

func logPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	return filepath.Join(config.Cfg.DataPath, "termcore.log")
}

// Init sets up dual logging to stdout and a log file.
// Must be called after config.Load().
func Init() {
	path := logPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// ReadTail returns the last n lines from the log file. Only the most recent
// n lines are held in memory while scanning.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if n <= 0 {
		return "", nil
	}

	f, err := os.Open(logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Ring of the last n lines; start is the oldest slot once full.
	ring := make([]string, n)
	count, start := 0, 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if count < n {
			ring[count] = scanner.Text()
			count++
			continue
		}
		ring[start] = scanner.Text()
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	lines := make([]string, 0, count)
	for i := 0; i < count; i++ {
		lines = append(lines, ring[(start+i)%count])
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file in place (triggered by SIGHUP so external
// rotation does not have to restart the daemon).
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	return os.Truncate(logPath(), 0)
}
