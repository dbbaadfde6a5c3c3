package sshconn

import (
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
)

// Controller is the message-passing façade over an owner task. It is cheap to
// copy; all clones share the same command channel and disconnect broadcast.
// Once the owner has exited, every command method that returns an error
// fails with an AlreadyDisconnected error; Ping reports PingIoError and
// Disconnect returns nil.
type Controller struct {
	cmds chan<- ownerCmd
	done <-chan struct{}
}

// errDisconnected is the uniform error for commands whose reply can no longer
// be delivered.
func errDisconnected() error {
	return cerr.New(cerr.AlreadyDisconnected, "connection is closed")
}

// Clone returns an independent handle to the same owner.
func (c Controller) Clone() Controller { return c }

// closedChan backs DisconnectNotify for the zero Controller, which behaves
// like an already-dead transport.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// DisconnectNotify returns a channel that is closed when the transport dies.
// All subscribers observe the same close.
func (c Controller) DisconnectNotify() <-chan struct{} {
	if c.done == nil {
		return closedChan
	}
	return c.done
}

// Alive reports whether the owner is still running.
func (c Controller) Alive() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// send enqueues a command, failing fast when the owner has exited.
func (c Controller) send(cmd ownerCmd) error {
	if c.cmds == nil {
		return errDisconnected()
	}
	select {
	case <-c.done:
		return errDisconnected()
	case c.cmds <- cmd:
		return nil
	}
}

// OpenSessionChannel opens an interactive session channel.
func (c Controller) OpenSessionChannel() (*ssh.Session, error) {
	reply := make(chan sessionReply, 1)
	if err := c.send(openSessionCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.session, r.err
	case <-c.done:
		return nil, errDisconnected()
	}
}

// OpenDirectTCPIP opens a direct-tcpip channel to host:port with the given
// originator pair.
func (c Controller) OpenDirectTCPIP(host string, port int, origAddr string, origPort int) (net.Conn, error) {
	reply := make(chan connReply, 1)
	if err := c.send(openDirectTCPIPCmd{host: host, port: port, origAddr: origAddr, origPort: origPort, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.conn, r.err
	case <-c.done:
		return nil, errDisconnected()
	}
}

// TCPIPForward issues a tcpip-forward global request and returns the
// listener together with the actual bound port.
func (c Controller) TCPIPForward(bindAddr string, bindPort int) (net.Listener, int, error) {
	reply := make(chan listenerReply, 1)
	if err := c.send(tcpipForwardCmd{bindAddr: bindAddr, bindPort: bindPort, reply: reply}); err != nil {
		return nil, 0, err
	}
	select {
	case r := <-reply:
		return r.listener, r.port, r.err
	case <-c.done:
		return nil, 0, errDisconnected()
	}
}

// CancelTCPIPForward issues a cancel-tcpip-forward global request.
func (c Controller) CancelTCPIPForward(bindAddr string, bindPort int) error {
	reply := make(chan errReply, 1)
	if err := c.send(cancelForwardCmd{bindAddr: bindAddr, bindPort: bindPort, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-c.done:
		return errDisconnected()
	}
}

// Ping performs a bounded keepalive round-trip. A controller whose owner has
// exited reports PingIoError.
func (c Controller) Ping(timeout time.Duration) PingResult {
	reply := make(chan PingResult, 1)
	if err := c.send(pingCmd{timeout: timeout, reply: reply}); err != nil {
		return PingIoError
	}
	select {
	case r := <-reply:
		return r
	case <-c.done:
		return PingIoError
	}
}

// Disconnect closes the transport and stops the owner loop.
func (c Controller) Disconnect() error {
	reply := make(chan errReply, 1)
	if err := c.send(disconnectCmd{reply: reply}); err != nil {
		return nil // already down
	}
	select {
	case r := <-reply:
		return r.err
	case <-c.done:
		return nil
	}
}

// BindPTY designates the PTY channel that Data, Resize, and ClosePTY target.
func (c Controller) BindPTY(session *ssh.Session, stdin io.WriteCloser) error {
	reply := make(chan errReply, 1)
	if err := c.send(bindPTYCmd{session: session, stdin: stdin, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-c.done:
		return errDisconnected()
	}
}

// Data forwards bytes to the designated PTY channel. Fire-and-forget.
func (c Controller) Data(b []byte) error {
	buf := make([]byte, len(b))
	copy(buf, b)
	return c.send(dataCmd{data: buf})
}

// Resize forwards a window change to the designated PTY channel.
func (c Controller) Resize(cols, rows int) error {
	return c.send(resizeCmd{cols: cols, rows: rows})
}

// ClosePTY closes the designated PTY channel.
func (c Controller) ClosePTY() error {
	reply := make(chan errReply, 1)
	if err := c.send(closePTYCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-c.done:
		return errDisconnected()
	}
}
