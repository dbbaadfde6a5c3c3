// Package sshconn owns raw SSH transports.
//
// Every authenticated *ssh.Client is handed to a single owner goroutine that
// serialises all operations on it: channel opens, global requests, keepalive
// pings, and writes to the designated PTY channel. Callers never touch the
// client directly; they hold a Controller, a cheaply cloneable handle that
// sends commands over the owner's channel and carries a broadcast
// subscription for transport-death notifications.
//
// Commands are processed strictly FIFO. When the owner exits (transport
// closed or Disconnect command), every pending and future command that
// returns an error fails with an AlreadyDisconnected error; Ping reports
// PingIoError and Disconnect returns nil.
package sshconn

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
)

// PingResult classifies the outcome of a keepalive round-trip.
type PingResult int

const (
	PingOk PingResult = iota
	PingTimeout
	PingIoError
)

// DefaultPingTimeout bounds a single keepalive round-trip.
const DefaultPingTimeout = 10 * time.Second

// ownerCmd is the sum of all commands the owner loop understands.
type ownerCmd interface{ isCmd() }

type openSessionCmd struct {
	reply chan sessionReply
}

type openDirectTCPIPCmd struct {
	host     string
	port     int
	origAddr string
	origPort int
	reply    chan connReply
}

type tcpipForwardCmd struct {
	bindAddr string
	bindPort int
	reply    chan listenerReply
}

type cancelForwardCmd struct {
	bindAddr string
	bindPort int
	reply    chan errReply
}

type pingCmd struct {
	timeout time.Duration
	reply   chan PingResult
}

type disconnectCmd struct {
	reply chan errReply
}

type bindPTYCmd struct {
	session *ssh.Session
	stdin   io.WriteCloser
	reply   chan errReply
}

type dataCmd struct {
	data []byte
}

type resizeCmd struct {
	cols int
	rows int
}

type closePTYCmd struct {
	reply chan errReply
}

func (openSessionCmd) isCmd()     {}
func (openDirectTCPIPCmd) isCmd() {}
func (tcpipForwardCmd) isCmd()    {}
func (cancelForwardCmd) isCmd()   {}
func (pingCmd) isCmd()            {}
func (disconnectCmd) isCmd()      {}
func (bindPTYCmd) isCmd()         {}
func (dataCmd) isCmd()            {}
func (resizeCmd) isCmd()          {}
func (closePTYCmd) isCmd()        {}

type sessionReply struct {
	session *ssh.Session
	err     error
}

type connReply struct {
	conn net.Conn
	err  error
}

type listenerReply struct {
	listener net.Listener
	port     int
	err      error
}

type errReply struct {
	err error
}

// owner is the single-owner task for one transport.
type owner struct {
	client *ssh.Client
	cmds   chan ownerCmd
	done   chan struct{} // closed exactly once when the transport dies

	closeOnce sync.Once

	// designated PTY channel for Data/Resize/Close
	ptySession *ssh.Session
	ptyStdin   io.WriteCloser
}

// Own starts the owner goroutine for an authenticated client and returns its
// controller. A second goroutine watches the transport and shuts the owner
// down when the connection drops out from under it.
func Own(client *ssh.Client) Controller {
	o := &owner{
		client: client,
		cmds:   make(chan ownerCmd, 32),
		done:   make(chan struct{}),
	}
	go o.loop()
	go func() {
		client.Wait()
		o.shutdown()
	}()
	return Controller{cmds: o.cmds, done: o.done}
}

func (o *owner) shutdown() {
	o.closeOnce.Do(func() { close(o.done) })
}

// loop drains the command channel until shutdown. FIFO by construction.
func (o *owner) loop() {
	defer func() {
		if o.ptyStdin != nil {
			o.ptyStdin.Close()
		}
		if o.ptySession != nil {
			o.ptySession.Close()
		}
		o.client.Close()
	}()

	for {
		select {
		case <-o.done:
			return
		case cmd := <-o.cmds:
			if o.handle(cmd) {
				o.shutdown()
				return
			}
		}
	}
}

// handle executes one command. Returns true when the loop should exit.
func (o *owner) handle(cmd ownerCmd) bool {
	switch c := cmd.(type) {
	case openSessionCmd:
		sess, err := o.client.NewSession()
		if err != nil {
			err = cerr.Wrap(cerr.ChannelError, err, "open session channel: %v", err)
		}
		c.reply <- sessionReply{session: sess, err: err}

	case openDirectTCPIPCmd:
		laddr := &net.TCPAddr{IP: net.ParseIP(c.origAddr), Port: c.origPort}
		if laddr.IP == nil {
			laddr.IP = net.IPv4zero
		}
		raddr := &net.TCPAddr{IP: net.ParseIP(c.host), Port: c.port}
		var conn net.Conn
		var err error
		if raddr.IP != nil {
			conn, err = o.client.DialTCP("tcp", laddr, raddr)
		} else {
			// Hostname targets resolve server-side
			conn, err = o.client.Dial("tcp", net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port)))
		}
		if err != nil {
			err = cerr.Wrap(cerr.ChannelError, err, "open direct-tcpip to %s:%d: %v", c.host, c.port, err)
		}
		c.reply <- connReply{conn: conn, err: err}

	case tcpipForwardCmd:
		addr := &net.TCPAddr{IP: net.ParseIP(c.bindAddr), Port: c.bindPort}
		if addr.IP == nil {
			addr.IP = net.IPv4zero
		}
		ln, err := o.client.ListenTCP(addr)
		if err != nil {
			c.reply <- listenerReply{err: cerr.Wrap(cerr.ChannelError, err, "tcpip-forward on %s:%d: %v", c.bindAddr, c.bindPort, err)}
			break
		}
		port := c.bindPort
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		c.reply <- listenerReply{listener: ln, port: port}

	case cancelForwardCmd:
		// The library sends cancel-tcpip-forward when the listener closes;
		// the forwarder holds the listener, so there is nothing more to do
		// here beyond acknowledging.
		c.reply <- errReply{}

	case pingCmd:
		c.reply <- o.ping(c.timeout)

	case disconnectCmd:
		c.reply <- errReply{}
		return true

	case bindPTYCmd:
		if o.ptyStdin != nil {
			o.ptyStdin.Close()
		}
		o.ptySession = c.session
		o.ptyStdin = c.stdin
		c.reply <- errReply{}

	case dataCmd:
		if o.ptyStdin != nil {
			if _, err := o.ptyStdin.Write(c.data); err != nil {
				log.Printf("[sshconn] pty write failed: %v", err)
			}
		}

	case resizeCmd:
		if o.ptySession != nil {
			if err := o.ptySession.WindowChange(c.rows, c.cols); err != nil {
				log.Printf("[sshconn] pty resize failed: %v", err)
			}
		}

	case closePTYCmd:
		if o.ptyStdin != nil {
			o.ptyStdin.Close()
			o.ptyStdin = nil
		}
		if o.ptySession != nil {
			o.ptySession.Close()
			o.ptySession = nil
		}
		c.reply <- errReply{}
	}
	return false
}

// ping performs a keepalive round-trip with a bounded timeout.
func (o *owner) ping(timeout time.Duration) PingResult {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	result := make(chan error, 1)
	go func() {
		_, _, err := o.client.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()
	select {
	case err := <-result:
		if err != nil {
			return PingIoError
		}
		return PingOk
	case <-time.After(timeout):
		return PingTimeout
	}
}
