package forward

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// bridgeIdleTimeout closes a bridged connection pair when neither direction
// has moved bytes for this long. The forwarder itself stays up.
var bridgeIdleTimeout = 5 * time.Minute

// bridge copies bytes between a local socket and an SSH channel until either
// side errors, the stop channel closes, or both directions go idle. Counter
// convention: local→channel bytes are "sent", channel→local are "received".
func bridge(local, channel net.Conn, stats *Stats, stop <-chan struct{}) {
	stats.ConnectionCount.Add(1)
	stats.ActiveConnections.Add(1)
	defer stats.ActiveConnections.Add(-1)
	defer local.Close()
	defer channel.Close()

	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	done := make(chan struct{}, 2)

	go func() {
		copyCounted(channel, local, &stats.BytesSent, &lastActive)
		done <- struct{}{}
	}()
	go func() {
		copyCounted(local, channel, &stats.BytesReceived, &lastActive)
		done <- struct{}{}
	}()

	idleCheck := time.NewTicker(30 * time.Second)
	defer idleCheck.Stop()

	for {
		select {
		case <-done:
			return
		case <-stop:
			return
		case <-idleCheck.C:
			idleFor := time.Since(time.Unix(0, lastActive.Load()))
			if idleFor > bridgeIdleTimeout {
				return
			}
		}
	}
}

// copyCounted is io.Copy with a byte counter and an activity timestamp.
func copyCounted(dst io.Writer, src io.Reader, counter *atomic.Uint64, lastActive *atomic.Int64) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			counter.Add(uint64(n))
			lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
