// Package profiler samples remote resource usage over one long-lived shell
// channel.
//
// The channel is opened once and reused for every sample so the server's
// MaxSessions budget is not consumed tick by tick. Samples target Linux
// /proc only; each tick writes a single composite command and reads until an
// ===END=== marker. CPU and network figures are deltas between consecutive
// samples, so the first sample carries none. After three consecutive sample
// failures the profiler degrades to RTT-only mode; the channel is reopened
// at most once between failures.
package profiler

import (
	"bufio"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oxterm/termcore/internal/sshconn"
)

const (
	// SampleInterval is the tick period.
	SampleInterval = 10 * time.Second

	// sampleTimeout bounds reading one sample's output.
	sampleTimeout = 5 * time.Second

	// degradeThreshold is the consecutive-failure count that switches the
	// profiler to RTT-only mode.
	degradeThreshold = 3
)

// sampleCommand keeps the output small: the first /proc/stat line only, two
// meminfo fields, loadavg, the full net/dev table, and the core count.
const sampleCommand = "echo '===STAT==='; head -1 /proc/stat 2>/dev/null; echo '===MEMINFO==='; grep -E '^(MemTotal|MemAvailable):' /proc/meminfo 2>/dev/null; echo '===LOADAVG==='; cat /proc/loadavg 2>/dev/null; echo '===NETDEV==='; cat /proc/net/dev 2>/dev/null; echo '===NPROC==='; nproc 2>/dev/null; echo '===END==='\n"

// Sample is one observation. Delta-derived fields are nil until a baseline
// exists.
type Sample struct {
	At         time.Time `json:"at"`
	RTTMillis  int64     `json:"rtt_ms"`
	RTTOnly    bool      `json:"rtt_only"`
	CPUPercent *float64  `json:"cpu_percent,omitempty"`
	MemTotal   uint64    `json:"mem_total_kb,omitempty"`
	MemAvail   uint64    `json:"mem_avail_kb,omitempty"`
	Load1      float64   `json:"load1,omitempty"`
	Load5      float64   `json:"load5,omitempty"`
	Load15     float64   `json:"load15,omitempty"`
	RxRate     *float64  `json:"rx_bytes_per_sec,omitempty"`
	TxRate     *float64  `json:"tx_bytes_per_sec,omitempty"`
	Cores      int       `json:"cores,omitempty"`
}

// cpuSnapshot holds the raw counters of the aggregate /proc/stat line.
// Only the eight classic columns (user nice system idle iowait irq softirq
// steal) are summed; iowait counts as inactive time alongside idle.
type cpuSnapshot struct {
	total  uint64
	idle   uint64
	iowait uint64
}

// active returns the busy jiffies of the snapshot.
func (c cpuSnapshot) active() uint64 {
	return c.total - c.idle - c.iowait
}

// netSnapshot aggregates rx/tx byte counters across non-loopback interfaces.
type netSnapshot struct {
	rx uint64
	tx uint64
	at time.Time
}

// Profiler drives periodic sampling for one connection.
type Profiler struct {
	ctrl     sshconn.Controller
	onSample func(Sample)

	mu       sync.Mutex
	stdin    io.Writer
	lines    chan string
	session  io.Closer
	failures int
	reopened bool
	rttOnly  bool
	prevCPU  *cpuSnapshot
	prevNet  *netSnapshot

	stop chan struct{}
	once sync.Once
}

// Start launches a profiler over the given controller. Samples are delivered
// to onSample; the profiler stops when the transport dies or Stop is called.
func Start(ctrl sshconn.Controller, onSample func(Sample)) *Profiler {
	p := &Profiler{
		ctrl:     ctrl,
		onSample: onSample,
		stop:     make(chan struct{}),
	}
	go p.loop()
	return p
}

// Stop terminates the profiler and closes its channel.
func (p *Profiler) Stop() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Profiler) loop() {
	defer p.closeChannel()

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.ctrl.DisconnectNotify():
			return
		case <-ticker.C:
		}

		start := time.Now()
		sample, err := p.sampleOnce()
		rtt := time.Since(start).Milliseconds()

		if p.rttOnly || err != nil {
			if err != nil {
				p.recordFailure(err)
			}
			// RTT is still measurable through a bare ping.
			res := p.ctrl.Ping(sampleTimeout)
			if res != sshconn.PingOk {
				continue
			}
			p.emit(Sample{At: time.Now(), RTTMillis: rtt, RTTOnly: true})
			continue
		}

		p.failures = 0
		p.reopened = false
		sample.RTTMillis = rtt
		p.emit(*sample)
	}
}

func (p *Profiler) emit(s Sample) {
	if p.onSample != nil {
		p.onSample(s)
	}
}

func (p *Profiler) recordFailure(err error) {
	p.failures++
	log.Printf("[profiler] sample failed (%d consecutive): %v", p.failures, err)

	if p.failures >= degradeThreshold {
		if !p.rttOnly {
			log.Printf("[profiler] degrading to RTT-only mode")
		}
		p.rttOnly = true
		return
	}
	// One reopen attempt between failures.
	if !p.reopened {
		p.reopened = true
		p.closeChannel()
	}
}

// ensureChannel opens the sampling shell once and keeps it for reuse.
func (p *Profiler) ensureChannel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		return nil
	}

	session, err := p.ctrl.OpenSessionChannel()
	if err != nil {
		return err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return err
	}

	lines := make(chan string, 128)
	go func() {
		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	p.session = session
	p.stdin = stdin
	p.lines = lines
	return nil
}

func (p *Profiler) closeChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Close()
	}
	p.session = nil
	p.stdin = nil
	p.lines = nil
}

// sampleOnce writes the composite command and parses one sectioned response.
func (p *Profiler) sampleOnce() (*Sample, error) {
	if err := p.ensureChannel(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	stdin, lines := p.stdin, p.lines
	p.mu.Unlock()

	if _, err := stdin.Write([]byte(sampleCommand)); err != nil {
		return nil, err
	}

	var sb strings.Builder
	deadline := time.After(sampleTimeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil, io.ErrUnexpectedEOF
			}
			sb.WriteString(line)
			if strings.Contains(line, "===END===") {
				return p.parse(sb.String())
			}
		case <-deadline:
			return nil, errSampleTimeout
		}
	}
}

type sampleTimeoutError struct{}

func (sampleTimeoutError) Error() string { return "sample timed out" }

var errSampleTimeout = sampleTimeoutError{}

// parse builds a Sample from sectioned output and rolls the delta baselines.
func (p *Profiler) parse(output string) (*Sample, error) {
	now := time.Now()
	s := &Sample{At: now}

	if cpu := parseCPULine(section(output, "===STAT===", "===MEMINFO===")); cpu != nil {
		if p.prevCPU != nil {
			dTotal := float64(cpu.total - p.prevCPU.total)
			dActive := float64(cpu.active() - p.prevCPU.active())
			if dTotal > 0 {
				pct := dActive / dTotal * 100
				s.CPUPercent = &pct
			}
		}
		p.prevCPU = cpu
	}

	mem := section(output, "===MEMINFO===", "===LOADAVG===")
	s.MemTotal = parseMemField(mem, "MemTotal:")
	s.MemAvail = parseMemField(mem, "MemAvailable:")

	if load := strings.Fields(section(output, "===LOADAVG===", "===NETDEV===")); len(load) >= 3 {
		s.Load1, _ = strconv.ParseFloat(load[0], 64)
		s.Load5, _ = strconv.ParseFloat(load[1], 64)
		s.Load15, _ = strconv.ParseFloat(load[2], 64)
	}

	if net := parseNetDev(section(output, "===NETDEV===", "===NPROC===")); net != nil {
		net.at = now
		if p.prevNet != nil {
			secs := now.Sub(p.prevNet.at).Seconds()
			if secs > 0 {
				rx := float64(net.rx-p.prevNet.rx) / secs
				tx := float64(net.tx-p.prevNet.tx) / secs
				s.RxRate, s.TxRate = &rx, &tx
			}
		}
		p.prevNet = net
	}

	s.Cores, _ = strconv.Atoi(strings.TrimSpace(section(output, "===NPROC===", "===END===")))
	return s, nil
}

func section(output, start, end string) string {
	i := strings.Index(output, start)
	if i < 0 {
		return ""
	}
	rest := output[i+len(start):]
	if j := strings.Index(rest, end); j >= 0 {
		return rest[:j]
	}
	return rest
}

// parseCPULine parses the aggregate "cpu ..." line of /proc/stat. Newer
// kernels append guest columns; they are ignored so the total stays
// comparable across kernels.
func parseCPULine(text string) *cpuSnapshot {
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var snap cpuSnapshot
		cols := fields[1:]
		if len(cols) > 8 {
			cols = cols[:8]
		}
		for i, f := range cols {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				break
			}
			snap.total += v
			switch i {
			case 3:
				snap.idle = v
			case 4:
				snap.iowait = v
			}
		}
		return &snap
	}
	return nil
}

func parseMemField(text, field string) uint64 {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, field); ok {
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				v, _ := strconv.ParseUint(fields[0], 10, 64)
				return v
			}
		}
	}
	return 0
}

// parseNetDev aggregates byte counters across interfaces, excluding loopback.
func parseNetDev(text string) *netSnapshot {
	var snap netSnapshot
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:colon])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseUint(fields[0], 10, 64)
		tx, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		snap.rx += rx
		snap.tx += tx
		found = true
	}
	if !found {
		return nil
	}
	return &snap
}
