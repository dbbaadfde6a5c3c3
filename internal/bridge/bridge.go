package bridge

import (
	"context"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/oxterm/termcore/internal/sshconn"
	"github.com/oxterm/termcore/internal/termsess"
)

// Reason reports why a bridge (or one of its client attachments) ended.
// The first task to exit determines the reason.
type Reason string

const (
	ReasonClientClosed     Reason = "client_closed"
	ReasonHeartbeatTimeout Reason = "heartbeat_timeout"
	ReasonSSHChannelClosed Reason = "ssh_channel_closed"
	ReasonNetworkError     Reason = "network_error"
	ReasonAcceptTimeout    Reason = "accept_timeout"
	ReasonAuthFailed       Reason = "auth_failed"
)

// Recoverable reports whether the upper layer may reasonably trigger a
// reconnect for this reason.
func (r Reason) Recoverable() bool {
	switch r {
	case ReasonHeartbeatTimeout, ReasonNetworkError, ReasonSSHChannelClosed:
		return true
	}
	return false
}

// Result pairs a disconnect reason with its detail message.
type Result struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

const (
	// bridgeHeartbeatInterval paces server-side heartbeat frames.
	bridgeHeartbeatInterval = 30 * time.Second
	// bridgeStaleAfter ends an attachment when the client has been silent
	// this long.
	bridgeStaleAfter = 90 * time.Second
	// handshakeTimeout bounds reading the auth token after upgrade.
	handshakeTimeout = 5 * time.Second
	// legacyWindow is how long after attach unframed input is tolerated.
	legacyWindow = 5 * time.Second
)

// defaultQueueSize picks the outbound queue capacity: larger on platforms
// with slower I/O.
func defaultQueueSize() int {
	if runtime.GOOS == "windows" {
		return 16384
	}
	return 4096
}

// Options tunes a bridge.
type Options struct {
	AcceptTimeout time.Duration // default 60s
	SendTimeout   time.Duration // default 5s
	Replay        bool          // replay scrollback tail on attach
	ReplayLines   int           // default 50
	QueueSize     int           // outbound queue capacity

	// OnAttach runs when a client authenticates (cancels detach timers).
	OnAttach func()
	// OnDetach runs when a client attachment ends while the bridge itself
	// survives; the upper layer typically marks the session detached.
	OnDetach func(Result)
}

func (o *Options) fill() {
	if o.AcceptTimeout == 0 {
		o.AcceptTimeout = 60 * time.Second
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.ReplayLines == 0 {
		o.ReplayLines = 50
	}
	if o.QueueSize == 0 {
		o.QueueSize = defaultQueueSize()
	}
}

// Bridge binds one terminal session to one local loopback WebSocket
// endpoint. One UI may be attached at a time; a client that goes away
// leaves the bridge accepting so the UI can resume with the same token.
type Bridge struct {
	sess *termsess.Session
	ctrl sshconn.Controller
	opts Options

	token string
	port  int

	shutdown chan struct{}
	endOnce  sync.Once
	done     chan Result

	attached atomic.Bool
	everUsed atomic.Bool
	hbSeq    atomic.Uint32

	ln     net.Listener
	server *http.Server
}

// Start binds a loopback listener, generates a fresh token, and begins
// accepting. The session must already be Connected (a WebSocket binding is
// only legal then). The returned bridge exposes the port, the token, and a
// one-shot Done channel with the final disconnect reason.
func Start(sess *termsess.Session, ctrl sshconn.Controller, opts Options) (*Bridge, error) {
	opts.fill()

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := sess.SetWSBinding(port, token); err != nil {
		ln.Close()
		return nil, err
	}

	b := &Bridge{
		sess:     sess,
		ctrl:     ctrl,
		opts:     opts,
		token:    token,
		port:     port,
		shutdown: make(chan struct{}),
		done:     make(chan Result, 1),
		ln:       ln,
	}

	r := chi.NewRouter()
	r.Get("/", b.handleWS)
	b.server = &http.Server{Handler: r}

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case <-b.shutdown:
			default:
				log.Printf("[bridge] serve: %v", err)
			}
		}
	}()

	// A UI must attach within the accept window.
	time.AfterFunc(opts.AcceptTimeout, func() {
		if !b.everUsed.Load() {
			b.end(ReasonAcceptTimeout, "no client attached")
		}
	})

	// The bridge cannot outlive its PTY or transport.
	go b.watchChannel()

	log.Printf("[bridge] session %s listening on 127.0.0.1:%d", sess.ID, port)
	return b, nil
}

// Port returns the bound loopback port.
func (b *Bridge) Port() int { return b.port }

// Token returns the auth token the UI must present.
func (b *Bridge) Token() string { return b.token }

// Done returns the one-shot final-result channel.
func (b *Bridge) Done() <-chan Result { return b.done }

// Stop ends the bridge from the application side (session teardown).
func (b *Bridge) Stop() {
	b.end(ReasonClientClosed, "bridge stopped")
}

// end records the final reason and tears the whole bridge down.
func (b *Bridge) end(reason Reason, msg string) {
	b.endOnce.Do(func() {
		close(b.shutdown)
		b.sess.DetachOutput()
		b.sess.SetWSBinding(0, "")
		b.ln.Close()
		go b.server.Close()
		b.done <- Result{Reason: reason, Message: msg}
		log.Printf("[bridge] session %s ended: %s (%s)", b.sess.ID, reason, msg)
	})
}

// watchChannel ends the bridge when the PTY stream or the transport dies.
func (b *Bridge) watchChannel() {
	select {
	case <-b.shutdown:
	case <-b.sess.PTYDone():
		b.end(ReasonSSHChannelClosed, "PTY stream ended")
	case <-b.ctrl.DisconnectNotify():
		b.end(ReasonSSHChannelClosed, "transport closed")
	}
}

// attachment is one client's relay state: its socket, outbound queue, and
// stop signal. The four relay tasks share it.
type attachment struct {
	b    *Bridge
	conn *websocket.Conn

	outQ   chan []byte
	stop   chan struct{}
	once   sync.Once
	result Result
}

// finish records the attachment's first exit reason.
func (a *attachment) finish(reason Reason, msg string) {
	a.once.Do(func() {
		a.result = Result{Reason: reason, Message: msg}
		close(a.stop)
	})
}

// handleWS upgrades and authenticates one client, then relays until the
// first task exits. A client-side exit detaches; the bridge keeps accepting.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	if !b.attached.CompareAndSwap(false, true) {
		http.Error(w, "session already attached", http.StatusConflict)
		return
	}
	defer b.attached.Store(false)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // loopback only; the token is the auth
		// Control frames count as client liveness.
		OnPingReceived: func(ctx context.Context, payload []byte) bool {
			b.sess.Touch()
			return true
		},
		OnPongReceived: func(ctx context.Context, payload []byte) {
			b.sess.Touch()
		},
	})
	if err != nil {
		log.Printf("[bridge] accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	// Handshake: the first message must equal the token.
	hsCtx, hsCancel := context.WithTimeout(r.Context(), handshakeTimeout)
	_, first, err := conn.Read(hsCtx)
	hsCancel()
	if err != nil {
		b.reportDetach(Result{Reason: ReasonAuthFailed, Message: "no token received"})
		return
	}
	if err := ValidateToken(b.token, strings.TrimSpace(string(first)), time.Now()); err != nil {
		conn.Close(4401, "authentication failed")
		b.reportDetach(Result{Reason: ReasonAuthFailed, Message: err.Error()})
		return
	}

	b.everUsed.Store(true)
	b.sess.Touch()
	if b.opts.OnAttach != nil {
		b.opts.OnAttach()
	}

	a := &attachment{
		b:    b,
		conn: conn,
		outQ: make(chan []byte, b.opts.QueueSize),
		stop: make(chan struct{}),
	}

	if b.opts.Replay {
		tail := b.sess.Scrollback().Tail(b.opts.ReplayLines)
		if len(tail) > 0 {
			a.outQ <- DataFrame([]byte(strings.Join(tail, "\r\n"))).Encode()
		}
	}

	// Live output flows through the session pump into the outbound queue.
	b.sess.AttachOutput(attachmentWriter{a: a})
	defer b.sess.DetachOutput()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.senderTask(ctx)
	go a.heartbeatTask()
	a.inputTask(ctx)

	select {
	case <-a.stop:
		b.reportDetach(a.result)
	case <-b.shutdown:
	}
}

// reportDetach forwards a client-attachment result to the upper layer
// unless the bridge as a whole already ended.
func (b *Bridge) reportDetach(res Result) {
	select {
	case <-b.shutdown:
		return
	default:
	}
	if b.opts.OnDetach != nil {
		b.opts.OnDetach(res)
	}
}

// attachmentWriter adapts the outbound queue to the session pump's
// io.Writer. A persistently full queue means the client stopped consuming.
type attachmentWriter struct{ a *attachment }

func (w attachmentWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case w.a.outQ <- DataFrame(buf).Encode():
	case <-w.a.stop:
	case <-time.After(w.a.b.opts.SendTimeout):
		w.a.finish(ReasonNetworkError, "outbound queue overloaded")
	}
	return len(p), nil
}

// senderTask drains the outbound queue onto the socket. Every send is
// guarded by the send timeout; a timed-out client is unresponsive.
func (a *attachment) senderTask(ctx context.Context) {
	for {
		select {
		case <-a.stop:
			return
		case <-a.b.shutdown:
			return
		case frame := <-a.outQ:
			sendCtx, cancel := context.WithTimeout(ctx, a.b.opts.SendTimeout)
			err := a.conn.Write(sendCtx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) != -1 {
					a.finish(ReasonClientClosed, "socket closed")
				} else {
					a.finish(ReasonNetworkError, "send failed: "+err.Error())
				}
				return
			}
		}
	}
}

// heartbeatTask enqueues a heartbeat every 30 s and ends the attachment
// when the client has been silent past the stale threshold.
func (a *attachment) heartbeatTask() {
	ticker := time.NewTicker(bridgeHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-a.b.shutdown:
			return
		case <-ticker.C:
		}

		if time.Since(a.b.sess.LastSeen()) > bridgeStaleAfter {
			// Best effort: tell the client before going away.
			select {
			case a.outQ <- ErrorFrame("Connection timeout - no heartbeat response").Encode():
			default:
			}
			a.finish(ReasonHeartbeatTimeout, "client heartbeat stale")
			return
		}

		select {
		case a.outQ <- HeartbeatFrame(a.b.hbSeq.Add(1)).Encode():
		default:
			// A full queue here means the client is not consuming at all.
			a.finish(ReasonNetworkError, "outbound queue full")
			return
		}
	}
}

// inputTask decodes inbound messages and dispatches frames to the PTY.
// Binary bytes feed the stateful codec; text messages are legacy raw data.
// During the first five seconds a stream that does not parse as frames
// falls back to legacy raw forwarding.
func (a *attachment) inputTask(ctx context.Context) {
	var dec Decoder
	legacy := false
	started := time.Now()

	for {
		typ, data, err := a.conn.Read(ctx)
		if err != nil {
			select {
			case <-a.stop:
			case <-a.b.shutdown:
			default:
				if websocket.CloseStatus(err) != -1 {
					a.finish(ReasonClientClosed, "client closed")
				} else {
					a.finish(ReasonNetworkError, "read failed: "+err.Error())
				}
			}
			return
		}
		a.b.sess.Touch()

		if typ == websocket.MessageText {
			// Legacy clients send raw input as text.
			a.b.ctrl.Data(data)
			continue
		}

		if legacy {
			a.b.ctrl.Data(data)
			continue
		}

		dec.Feed(data)
		for {
			frame, ok, derr := dec.Next()
			if derr != nil || dec.Overflow() {
				if time.Since(started) < legacyWindow {
					legacy = true
					if raw := dec.Buffered(); len(raw) > 0 {
						a.b.ctrl.Data(raw)
					}
					break
				}
				a.finish(ReasonNetworkError, "protocol error on input stream")
				return
			}
			if !ok {
				break
			}
			a.dispatch(frame)
		}
	}
}

// dispatch routes one complete inbound frame.
func (a *attachment) dispatch(f Frame) {
	switch f.Type {
	case FrameData:
		a.b.ctrl.Data(f.Payload)
	case FrameResize:
		if cols, rows, err := ParseResize(f.Payload); err == nil {
			a.b.ctrl.Resize(int(cols), int(rows))
		}
	case FrameHeartbeat:
		a.b.sess.Touch()
	case FrameError:
		log.Printf("[bridge] client error frame: %s", string(f.Payload))
	}
}
