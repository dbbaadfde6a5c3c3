// Package sshtest provides an in-process SSH server for package tests: it
// authenticates a generated client key, serves session channels (shell and
// exec) through a configurable handler, answers keepalive global requests,
// and tunnels direct-tcpip channels to real local targets.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Handler customises server behavior per test.
type Handler struct {
	// OnShell serves a shell request. The default echoes input back.
	OnShell func(ch gossh.Channel)

	// OnExec serves an exec request with the parsed command.
	OnExec func(cmd string, ch gossh.Channel)

	// OnWindowChange observes window-change requests.
	OnWindowChange func(cols, rows uint32)

	// RejectKeepalive makes keepalive global requests go unanswered so
	// client pings time out.
	RejectKeepalive atomic.Bool
}

// Server is one running test SSH server.
type Server struct {
	Addr     string
	Listener net.Listener
	Handler  *Handler

	config *gossh.ServerConfig
	signer gossh.Signer
}

// Start launches the server and returns it with a connected client.
func Start(t *testing.T, handler *Handler) (*Server, *gossh.Client) {
	t.Helper()
	srv := StartServer(t, handler)
	client := srv.Dial(t)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

// StartServer launches the server without dialling a client.
func StartServer(t *testing.T, handler *Handler) *Server {
	t.Helper()
	if handler == nil {
		handler = &Handler{}
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("convert client pub key: %v", err)
	}
	clientSigner, err := gossh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("create client signer: %v", err)
	}

	config := &gossh.ServerConfig{
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
		PasswordCallback: func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if string(password) == "p" {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &Server{
		Addr:     listener.Addr().String(),
		Listener: listener,
		Handler:  handler,
		config:   config,
		signer:   clientSigner,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()

	t.Cleanup(func() { listener.Close() })
	return srv
}

// Dial connects a new authenticated client, failing the test on error.
func (s *Server) Dial(t *testing.T) *gossh.Client {
	t.Helper()
	client, err := s.DialErr()
	if err != nil {
		t.Fatalf("dial test SSH server: %v", err)
	}
	return client
}

// DialErr connects a new authenticated client, returning the error (for use
// off the test goroutine).
func (s *Server) DialErr() (*gossh.Client, error) {
	cfg := &gossh.ClientConfig{
		User:            "test",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(s.signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	return gossh.Dial("tcp", s.Addr, cfg)
}

// Port returns the server's listen port.
func (s *Server) Port() int {
	return s.Listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go s.handleGlobalRequests(srvConn, reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// tcpipForwardPayload is the payload of tcpip-forward and
// cancel-tcpip-forward global requests.
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPIPPayload is the channel-open payload of a forwarded-tcpip
// channel originated by the server.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// handleGlobalRequests serves keepalives and remote-forward requests for
// one client connection. Remote-forward listeners die with the connection.
func (s *Server) handleGlobalRequests(srvConn *gossh.ServerConn, reqs <-chan *gossh.Request) {
	forwards := make(map[string]net.Listener)
	defer func() {
		for _, ln := range forwards {
			ln.Close()
		}
	}()

	for req := range reqs {
		switch req.Type {
		case "keepalive@openssh.com":
			if s.Handler.RejectKeepalive.Load() {
				// Swallow the request so the client times out.
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "tcpip-forward":
			var p tcpipForwardPayload
			if err := gossh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.BindAddr, p.BindPort))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(ln.Addr().(*net.TCPAddr).Port)
			forwards[fmt.Sprintf("%s:%d", p.BindAddr, port)] = ln
			go s.serveRemoteForward(srvConn, ln, p.BindAddr, port)
			req.Reply(true, gossh.Marshal(&struct{ Port uint32 }{port}))

		case "cancel-tcpip-forward":
			var p tcpipForwardPayload
			if err := gossh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			key := fmt.Sprintf("%s:%d", p.BindAddr, p.BindPort)
			if ln, ok := forwards[key]; ok {
				ln.Close()
				delete(forwards, key)
			}
			req.Reply(true, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// serveRemoteForward accepts connections on a remote-forward listener and
// delivers each as a forwarded-tcpip channel to the client.
func (s *Server) serveRemoteForward(srvConn *gossh.ServerConn, ln net.Listener, bindAddr string, port uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			originPort := uint32(0)
			if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
				originPort = uint32(tcp.Port)
			}
			payload := gossh.Marshal(&forwardedTCPIPPayload{
				Addr:       bindAddr,
				Port:       port,
				OriginAddr: "127.0.0.1",
				OriginPort: originPort,
			})
			ch, chReqs, err := srvConn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				conn.Close()
				return
			}
			go gossh.DiscardRequests(chReqs)
			go func() {
				defer ch.Close()
				defer conn.Close()
				io.Copy(ch, conn)
			}()
			go func() {
				io.Copy(conn, ch)
			}()
		}()
	}
}

// directTCPIPPayload is the channel-open payload of a direct-tcpip request.
type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// handleDirectTCPIP connects the channel to the requested local target.
func (s *Server) handleDirectTCPIP(newChan gossh.NewChannel) {
	var payload directTCPIPPayload
	if err := gossh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "bad payload")
		return
	}

	target := net.JoinHostPort(payload.DestAddr, fmt.Sprintf("%d", payload.DestPort))
	conn, err := net.DialTimeout("tcp", target, 3*time.Second)
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, "connection refused")
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go gossh.DiscardRequests(reqs)

	go func() {
		defer ch.Close()
		defer conn.Close()
		io.Copy(ch, conn)
	}()
	go func() {
		io.Copy(conn, ch)
	}()
}

func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.handleSessionRequests(reqs)
			if s.Handler.OnShell != nil {
				s.Handler.OnShell(ch)
			} else {
				EchoShell(ch)
			}
			return

		case "exec":
			if len(req.Payload) < 4 {
				req.Reply(false, nil)
				continue
			}
			cmdLen := int(binary.BigEndian.Uint32(req.Payload[0:4]))
			if len(req.Payload) < 4+cmdLen {
				req.Reply(false, nil)
				continue
			}
			cmd := string(req.Payload[4 : 4+cmdLen])
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.handleSessionRequests(reqs)
			if s.Handler.OnExec != nil {
				s.Handler.OnExec(cmd, ch)
			}
			return

		case "subsystem":
			// Accepted so SFTP-style tests can attach their own fake.
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 && s.Handler.OnWindowChange != nil {
				s.Handler.OnWindowChange(
					binary.BigEndian.Uint32(req.Payload[0:4]),
					binary.BigEndian.Uint32(req.Payload[4:8]),
				)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSessionRequests drains requests after a shell/exec started.
func (s *Server) handleSessionRequests(reqs <-chan *gossh.Request) {
	for req := range reqs {
		switch req.Type {
		case "window-change":
			if len(req.Payload) >= 8 && s.Handler.OnWindowChange != nil {
				s.Handler.OnWindowChange(
					binary.BigEndian.Uint32(req.Payload[0:4]),
					binary.BigEndian.Uint32(req.Payload[4:8]),
				)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// EchoShell copies channel input back to its output — enough for an
// interactive round-trip test.
func EchoShell(ch gossh.Channel) {
	io.Copy(ch, ch)
}
