package sshconn

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshtest"
)

// startEchoTCP starts a local TCP echo server for direct-tcpip targets.
func startEchoTCP(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestPingOk(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)
	defer ctrl.Disconnect()

	if got := ctrl.Ping(2 * time.Second); got != PingOk {
		t.Errorf("Ping = %v, want PingOk", got)
	}
	if !ctrl.Alive() {
		t.Errorf("Alive = false on live transport")
	}
}

func TestPingTimeout(t *testing.T) {
	srv, client := sshtest.Start(t, nil)
	srv.Handler.RejectKeepalive.Store(true)

	ctrl := Own(client)
	defer ctrl.Disconnect()

	if got := ctrl.Ping(200 * time.Millisecond); got != PingTimeout {
		t.Errorf("Ping = %v, want PingTimeout", got)
	}
}

func TestOpenSessionChannel(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)
	defer ctrl.Disconnect()

	sess, err := ctrl.OpenSessionChannel()
	if err != nil {
		t.Fatalf("OpenSessionChannel: %v", err)
	}
	sess.Close()
}

func TestOpenDirectTCPIPRoundTrip(t *testing.T) {
	echo := startEchoTCP(t)
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)
	defer ctrl.Disconnect()

	conn, err := ctrl.OpenDirectTCPIP("127.0.0.1", echo.Port, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("OpenDirectTCPIP: %v", err)
	}
	defer conn.Close()

	msg := []byte("ping over channel")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestDisconnectBroadcast(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)

	// Every clone shares the same broadcast.
	clone := ctrl.Clone()

	if err := ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case <-clone.DisconnectNotify():
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect broadcast never arrived")
	}
	if clone.Alive() {
		t.Errorf("Alive = true after disconnect")
	}
}

func TestCommandsAfterDisconnect(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)
	ctrl.Disconnect()
	<-ctrl.DisconnectNotify()

	if _, err := ctrl.OpenSessionChannel(); !cerr.Is(err, cerr.AlreadyDisconnected) {
		t.Errorf("OpenSessionChannel after disconnect = %v, want AlreadyDisconnected", err)
	}
	if _, err := ctrl.OpenDirectTCPIP("h", 1, "o", 0); !cerr.Is(err, cerr.AlreadyDisconnected) {
		t.Errorf("OpenDirectTCPIP after disconnect = %v, want AlreadyDisconnected", err)
	}
	if got := ctrl.Ping(time.Second); got != PingIoError {
		t.Errorf("Ping after disconnect = %v, want PingIoError", got)
	}
}

func TestTransportDeathDetected(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)

	// Kill the transport out from under the owner.
	client.Close()

	select {
	case <-ctrl.DisconnectNotify():
	case <-time.After(2 * time.Second):
		t.Fatalf("owner never noticed transport death")
	}
}

func TestCommandsAreFIFO(t *testing.T) {
	_, client := sshtest.Start(t, nil)
	ctrl := Own(client)
	defer ctrl.Disconnect()

	// Interleave pings and channel opens; replies must all arrive.
	for i := 0; i < 5; i++ {
		if got := ctrl.Ping(2 * time.Second); got != PingOk {
			t.Fatalf("Ping %d = %v", i, got)
		}
		sess, err := ctrl.OpenSessionChannel()
		if err != nil {
			t.Fatalf("OpenSessionChannel %d: %v", i, err)
		}
		sess.Close()
	}
}
