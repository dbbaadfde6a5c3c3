package profiler

import (
	"testing"
	"time"
)

func TestParseCPULine(t *testing.T) {
	snap := parseCPULine("cpu  100 0 50 800 20 0 5 0 0 0\n")
	if snap == nil {
		t.Fatalf("parseCPULine returned nil")
	}
	if snap.idle != 800 {
		t.Errorf("idle = %d, want 800", snap.idle)
	}
	if snap.iowait != 20 {
		t.Errorf("iowait = %d, want 20", snap.iowait)
	}
	if snap.total != 975 {
		t.Errorf("total = %d, want 975", snap.total)
	}
	if snap.active() != 155 {
		t.Errorf("active = %d, want 155 (iowait not counted as busy)", snap.active())
	}
}

func TestParseCPULineIgnoresGuestColumns(t *testing.T) {
	// Twelve columns: guest/guest_nice beyond the classic eight must not
	// inflate the total.
	snap := parseCPULine("cpu  100 0 50 800 20 0 5 0 999 999 999 999\n")
	if snap == nil {
		t.Fatalf("parseCPULine returned nil")
	}
	if snap.total != 975 {
		t.Errorf("total = %d, want 975 (extra columns ignored)", snap.total)
	}
}

func TestParseCPULineIgnoresPerCore(t *testing.T) {
	if snap := parseCPULine("cpu0 1 2 3 4\n"); snap != nil {
		t.Errorf("per-core line parsed as aggregate")
	}
}

func TestParseNetDevExcludesLoopback(t *testing.T) {
	text := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000    10    0    0    0     0          0         0      1000     10    0    0    0     0       0          0
  eth0: 5000    50    0    0    0     0          0         0      3000     30    0    0    0     0       0          0
  wlan0: 200     2    0    0    0     0          0         0       100      1    0    0    0     0       0          0
`
	snap := parseNetDev(text)
	if snap == nil {
		t.Fatalf("parseNetDev returned nil")
	}
	if snap.rx != 5200 {
		t.Errorf("rx = %d, want 5200 (lo excluded)", snap.rx)
	}
	if snap.tx != 3100 {
		t.Errorf("tx = %d, want 3100 (lo excluded)", snap.tx)
	}
}

func TestParseMemField(t *testing.T) {
	text := "MemTotal:       16384000 kB\nMemAvailable:    8192000 kB\n"
	if got := parseMemField(text, "MemTotal:"); got != 16384000 {
		t.Errorf("MemTotal = %d", got)
	}
	if got := parseMemField(text, "MemAvailable:"); got != 8192000 {
		t.Errorf("MemAvailable = %d", got)
	}
	if got := parseMemField(text, "SwapTotal:"); got != 0 {
		t.Errorf("missing field = %d, want 0", got)
	}
}

const sampleOutput = `===STAT===
cpu  100 0 50 800 20 0 5 0 0 0
===MEMINFO===
MemTotal:       16384000 kB
MemAvailable:    8192000 kB
===LOADAVG===
0.52 0.38 0.25 1/123 4567
===NETDEV===
    lo: 1000 10 0 0 0 0 0 0 1000 10 0 0 0 0 0 0
  eth0: 5000 50 0 0 0 0 0 0 3000 30 0 0 0 0 0 0
===NPROC===
8
===END===
`

const sampleOutput2 = `===STAT===
cpu  200 0 100 1500 30 0 10 0 0 0
===MEMINFO===
MemTotal:       16384000 kB
MemAvailable:    8000000 kB
===LOADAVG===
0.60 0.40 0.26 1/123 4567
===NETDEV===
    lo: 2000 20 0 0 0 0 0 0 2000 20 0 0 0 0 0 0
  eth0: 9000 90 0 0 0 0 0 0 5000 50 0 0 0 0 0 0
===NPROC===
8
===END===
`

func TestParseFirstSampleHasNoDeltas(t *testing.T) {
	p := &Profiler{}
	s, err := p.parse(sampleOutput)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.CPUPercent != nil {
		t.Errorf("first sample CPUPercent = %v, want nil", *s.CPUPercent)
	}
	if s.RxRate != nil || s.TxRate != nil {
		t.Errorf("first sample net rates set, want nil")
	}
	if s.MemTotal != 16384000 || s.MemAvail != 8192000 {
		t.Errorf("mem = %d/%d", s.MemTotal, s.MemAvail)
	}
	if s.Load1 != 0.52 {
		t.Errorf("Load1 = %v", s.Load1)
	}
	if s.Cores != 8 {
		t.Errorf("Cores = %d, want 8", s.Cores)
	}
}

func TestParseSecondSampleComputesDeltas(t *testing.T) {
	p := &Profiler{}
	if _, err := p.parse(sampleOutput); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	// Backdate the network baseline so the rate divisor is meaningful.
	p.prevNet.at = time.Now().Add(-1 * time.Second)

	s, err := p.parse(sampleOutput2)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if s.CPUPercent == nil {
		t.Fatalf("second sample CPUPercent = nil")
	}
	// dTotal = 1840-975 = 865, dActive = 310-155 = 155 → ~17.9%
	// (iowait deltas count as inactive time).
	if *s.CPUPercent < 17 || *s.CPUPercent > 19 {
		t.Errorf("CPUPercent = %v, want ≈17.9", *s.CPUPercent)
	}
	if s.RxRate == nil || s.TxRate == nil {
		t.Fatalf("second sample net rates nil")
	}
	if *s.RxRate <= 0 || *s.TxRate <= 0 {
		t.Errorf("net rates not positive: rx=%v tx=%v", *s.RxRate, *s.TxRate)
	}
}
