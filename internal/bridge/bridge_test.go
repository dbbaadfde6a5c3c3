package bridge

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	gossh "golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/sshconn"
	"github.com/oxterm/termcore/internal/sshtest"
	"github.com/oxterm/termcore/internal/termsess"
)

// startConnectedSession builds a Connected session whose PTY is served by an
// in-process echo shell.
func startConnectedSession(t *testing.T) (*termsess.Registry, *termsess.Session, sshconn.Controller) {
	t.Helper()
	handler := &sshtest.Handler{
		OnExec: func(cmd string, ch gossh.Channel) { sshtest.EchoShell(ch) },
	}
	_, client := sshtest.Start(t, handler)
	ctrl := sshconn.Own(client)
	t.Cleanup(func() { ctrl.Disconnect() })

	r := termsess.NewRegistry(0, 200)
	s, err := r.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.StartConnect(s.ID); err != nil {
		t.Fatalf("StartConnect: %v", err)
	}
	if err := r.FinishConnect(s.ID, "conn-test", ctrl, ""); err != nil {
		t.Fatalf("FinishConnect: %v", err)
	}
	return r, s, ctrl
}

// dialBridge connects a WebSocket client and presents the token.
func dialBridge(t *testing.T, b *Bridge, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", b.Port()), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(token)); err != nil {
		t.Fatalf("send token: %v", err)
	}
	return conn
}

// readDataUntil collects Data frame payloads from the socket until they
// contain want or the deadline passes.
func readDataUntil(t *testing.T, conn *websocket.Conn, want []byte, timeout time.Duration) []byte {
	t.Helper()
	var dec Decoder
	var data []byte
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, msg, err := conn.Read(ctx)
		cancel()
		if err != nil {
			break
		}
		dec.Feed(msg)
		for {
			f, ok, derr := dec.Next()
			if derr != nil {
				t.Fatalf("decode server frame: %v", derr)
			}
			if !ok {
				break
			}
			if f.Type == FrameData {
				data = append(data, f.Payload...)
			}
		}
		if bytes.Contains(data, want) {
			return data
		}
	}
	return data
}

func TestBridgeEndToEnd(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	detached := make(chan Result, 1)
	b, err := Start(sess, ctrl, Options{
		AcceptTimeout: 5 * time.Second,
		OnDetach:      func(r Result) { detached <- r },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if port, token := sess.WSBinding(); port != b.Port() || token != b.Token() {
		t.Errorf("session binding = (%d, %q), want (%d, %q)", port, token, b.Port(), b.Token())
	}

	conn := dialBridge(t, b, b.Token())

	// Send a Data frame; the echo shell sends the bytes back framed.
	input := []byte("ls -l")
	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageBinary, DataFrame(input).Encode()); err != nil {
		t.Fatalf("send data frame: %v", err)
	}

	got := readDataUntil(t, conn, input, 5*time.Second)
	if !bytes.Contains(got, input) {
		t.Fatalf("echoed output %q does not contain %q", got, input)
	}

	// Close from the client; the detach reason must be ClientClosed.
	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case r := <-detached:
		if r.Reason != ReasonClientClosed {
			t.Errorf("detach reason = %s, want client_closed", r.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("detach never reported")
	}
}

func TestBridgeRejectsBadToken(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	detached := make(chan Result, 4)
	b, err := Start(sess, ctrl, Options{
		AcceptTimeout: 5 * time.Second,
		OnDetach:      func(r Result) { detached <- r },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	bad, _ := GenerateToken()
	conn := dialBridge(t, b, bad)
	defer conn.CloseNow()

	select {
	case r := <-detached:
		if r.Reason != ReasonAuthFailed {
			t.Errorf("reason = %s, want auth_failed", r.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("auth failure never reported")
	}
}

func TestBridgeSurvivesSplitHeader(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	b, err := Start(sess, ctrl, Options{AcceptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	conn := dialBridge(t, b, b.Token())
	defer conn.CloseNow()

	input := []byte("split")
	encoded := DataFrame(input).Encode()
	ctx := context.Background()

	// One byte of the header, a pause, then the rest.
	if err := conn.Write(ctx, websocket.MessageBinary, encoded[:1]); err != nil {
		t.Fatalf("send first byte: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := conn.Write(ctx, websocket.MessageBinary, encoded[1:]); err != nil {
		t.Fatalf("send rest: %v", err)
	}

	got := readDataUntil(t, conn, input, 5*time.Second)
	if !bytes.Contains(got, input) {
		t.Fatalf("echoed output %q does not contain %q", got, input)
	}
}

func TestBridgeLegacyTextInput(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	b, err := Start(sess, ctrl, Options{AcceptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	conn := dialBridge(t, b, b.Token())
	defer conn.CloseNow()

	// Text messages carry raw legacy input.
	input := []byte("legacy input")
	if err := conn.Write(context.Background(), websocket.MessageText, input); err != nil {
		t.Fatalf("send text: %v", err)
	}

	got := readDataUntil(t, conn, input, 5*time.Second)
	if !bytes.Contains(got, input) {
		t.Fatalf("echoed output %q does not contain %q", got, input)
	}
}

func TestBridgeDetachResumeWithReplay(t *testing.T) {
	reg, sess, ctrl := startConnectedSession(t)

	detached := make(chan Result, 4)
	b, err := Start(sess, ctrl, Options{
		AcceptTimeout: 5 * time.Second,
		Replay:        true,
		ReplayLines:   50,
		OnAttach:      func() { reg.ResumeWS(sess.ID) },
		OnDetach: func(r Result) {
			detached <- r
			reg.MarkWSDetached(sess.ID, time.Minute, nil)
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	// First attachment: produce scrollback content.
	conn := dialBridge(t, b, b.Token())
	marker := []byte("marker-line\n")
	conn.Write(context.Background(), websocket.MessageBinary, DataFrame(marker).Encode())
	readDataUntil(t, conn, []byte("marker-line"), 5*time.Second)

	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-detached:
	case <-time.After(5 * time.Second):
		t.Fatalf("first detach never reported")
	}
	if !sess.Detached() {
		t.Fatalf("session not marked detached")
	}

	// Second attachment with the same token: replay carries the marker.
	conn2 := dialBridge(t, b, b.Token())
	defer conn2.CloseNow()

	got := readDataUntil(t, conn2, []byte("marker-line"), 5*time.Second)
	if !bytes.Contains(got, []byte("marker-line")) {
		t.Fatalf("replay %q does not contain scrollback marker", got)
	}
	if sess.Detached() {
		t.Errorf("session still detached after resume")
	}
}

func TestBridgePingTouchesLastSeen(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	b, err := Start(sess, ctrl, Options{AcceptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	conn := dialBridge(t, b, b.Token())
	defer conn.CloseNow()

	// Let the attach-time Touch age, then ping: the server's control-frame
	// handler must refresh last-seen without any data traffic.
	time.Sleep(150 * time.Millisecond)
	before := sess.LastSeen()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !sess.LastSeen().After(before) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.LastSeen().After(before) {
		t.Errorf("last-seen not refreshed by ping")
	}
}

func TestBridgeAcceptTimeout(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	b, err := Start(sess, ctrl, Options{AcceptTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case r := <-b.Done():
		if r.Reason != ReasonAcceptTimeout {
			t.Errorf("reason = %s, want accept_timeout", r.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("accept timeout never fired")
	}

	if port, _ := sess.WSBinding(); port != 0 {
		t.Errorf("ws binding survived bridge end: port %d", port)
	}
}

func TestBridgeEndsWhenTransportDies(t *testing.T) {
	_, sess, ctrl := startConnectedSession(t)

	b, err := Start(sess, ctrl, Options{AcceptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dialBridge(t, b, b.Token())
	defer conn.CloseNow()

	ctrl.Disconnect()

	select {
	case r := <-b.Done():
		if r.Reason != ReasonSSHChannelClosed {
			t.Errorf("reason = %s, want ssh_channel_closed", r.Reason)
		}
		if !r.Reason.Recoverable() {
			t.Errorf("ssh_channel_closed must be recoverable")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bridge never noticed transport death")
	}
}
