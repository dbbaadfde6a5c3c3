package forward

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/oxterm/termcore/internal/sshconn"
)

// SOCKS5 protocol constants (RFC 1928).
const (
	socksVersion = 0x05

	socksMethodNoAuth       = 0x00
	socksMethodNoAcceptable = 0xFF

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSuccess            = 0x00
	socksRepHostUnreachable    = 0x04
	socksRepCommandUnsupported = 0x07
)

// socksRequest is a parsed CONNECT request.
type socksRequest struct {
	host string
	port int
}

// serveSOCKS5 handles one client connection: method negotiation, CONNECT
// parsing, channel open, reply, then bridging.
func serveSOCKS5(conn net.Conn, ctrl sshconn.Controller, stats *Stats, stop <-chan struct{}) {
	req, err := negotiateSOCKS5(conn)
	if err != nil {
		conn.Close()
		return
	}

	orig := conn.RemoteAddr().(*net.TCPAddr)
	ch, err := ctrl.OpenDirectTCPIP(req.host, req.port, orig.IP.String(), orig.Port)
	if err != nil {
		log.Printf("[forward] socks5: open channel to %s:%d: %v", req.host, req.port, err)
		writeSOCKS5Reply(conn, socksRepHostUnreachable)
		conn.Close()
		return
	}

	if err := writeSOCKS5Reply(conn, socksRepSuccess); err != nil {
		conn.Close()
		ch.Close()
		return
	}

	bridge(conn, ch, stats, stop)
}

// negotiateSOCKS5 runs the handshake up to (but not including) the final
// reply and returns the requested target.
func negotiateSOCKS5(conn net.Conn) (*socksRequest, error) {
	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != socksVersion {
		return nil, fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, err
	}
	noAuth := false
	for _, m := range methods {
		if m == socksMethodNoAuth {
			noAuth = true
			break
		}
	}
	if !noAuth {
		conn.Write([]byte{socksVersion, socksMethodNoAcceptable})
		return nil, fmt.Errorf("client offers no acceptable auth method")
	}
	if _, err := conn.Write([]byte{socksVersion, socksMethodNoAuth}); err != nil {
		return nil, err
	}

	// Request: VER CMD RSV ATYP ADDR PORT
	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHdr); err != nil {
		return nil, err
	}
	if reqHdr[0] != socksVersion {
		return nil, fmt.Errorf("bad request version %d", reqHdr[0])
	}
	if reqHdr[1] != socksCmdConnect {
		writeSOCKS5Reply(conn, socksRepCommandUnsupported)
		return nil, fmt.Errorf("unsupported SOCKS command %d", reqHdr[1])
	}

	var host string
	switch reqHdr[3] {
	case socksAtypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		host = net.IP(buf).String()
	case socksAtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		host = string(buf)
	case socksAtypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		host = net.IP(buf).String()
	default:
		writeSOCKS5Reply(conn, socksRepCommandUnsupported)
		return nil, fmt.Errorf("unsupported address type %d", reqHdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	return &socksRequest{host: host, port: int(binary.BigEndian.Uint16(portBuf))}, nil
}

// writeSOCKS5Reply sends a reply with BND.ADDR 0.0.0.0 and BND.PORT 0.
func writeSOCKS5Reply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion, rep, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
