// Package bridge carries framed PTY traffic between a UI WebSocket and a
// terminal session.
//
// Wire format: a fixed 4-byte header {type:u8, flags:u8, length:u16 BE}
// followed by length payload bytes. Resize payloads are {cols:u16, rows:u16}
// big-endian, Heartbeat payloads a u32 big-endian sequence number, Error
// payloads UTF-8 text.
package bridge

import (
	"encoding/binary"

	"github.com/oxterm/termcore/internal/cerr"
)

// FrameType identifies the content of one frame.
type FrameType byte

const (
	FrameData      FrameType = 1
	FrameResize    FrameType = 2
	FrameHeartbeat FrameType = 3
	FrameError     FrameType = 4
)

// headerSize is the fixed frame header length.
const headerSize = 4

// maxBufferedBytes caps the decoder's internal buffer; exceeding it raises
// the overflow signal used for legacy fallback.
const maxBufferedBytes = 16 << 20

// Frame is one decoded wire unit.
type Frame struct {
	Type    FrameType
	Flags   byte
	Payload []byte
}

// Encode serialises the frame with its 4-byte header.
func (f Frame) Encode() []byte {
	out := make([]byte, headerSize+len(f.Payload))
	out[0] = byte(f.Type)
	out[1] = f.Flags
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Payload)))
	copy(out[headerSize:], f.Payload)
	return out
}

// DataFrame wraps raw PTY bytes.
func DataFrame(payload []byte) Frame {
	return Frame{Type: FrameData, Payload: payload}
}

// ResizeFrame encodes terminal dimensions.
func ResizeFrame(cols, rows uint16) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], cols)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Frame{Type: FrameResize, Payload: payload}
}

// ParseResize decodes a Resize payload.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, cerr.New(cerr.ProtocolError, "resize payload is %d bytes, want 4", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// HeartbeatFrame encodes a sequence number.
func HeartbeatFrame(seq uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, seq)
	return Frame{Type: FrameHeartbeat, Payload: payload}
}

// ErrorFrame wraps a display message.
func ErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Payload: []byte(msg)}
}

// Decoder is a feed-and-decode state machine over a byte stream that may
// split frames at arbitrary boundaries.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes to the internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Overflow reports whether the buffer exceeds the sane cap — the signal for
// legacy (unframed) fallback.
func (d *Decoder) Overflow() bool {
	return len(d.buf) > maxBufferedBytes
}

// Buffered returns the undecoded bytes (consumed by legacy fallback).
func (d *Decoder) Buffered() []byte {
	out := d.buf
	d.buf = nil
	return out
}

// Next emits one complete frame and advances, or ok=false when more bytes
// are needed. An unknown frame type is a protocol error.
func (d *Decoder) Next() (Frame, bool, error) {
	if len(d.buf) < headerSize {
		return Frame{}, false, nil
	}
	ft := FrameType(d.buf[0])
	if ft < FrameData || ft > FrameError {
		return Frame{}, false, cerr.New(cerr.ProtocolError, "unknown frame type %d", ft)
	}
	length := int(binary.BigEndian.Uint16(d.buf[2:4]))
	if len(d.buf) < headerSize+length {
		return Frame{}, false, nil
	}
	f := Frame{
		Type:    ft,
		Flags:   d.buf[1],
		Payload: append([]byte(nil), d.buf[headerSize:headerSize+length]...),
	}
	d.buf = d.buf[headerSize+length:]
	return f, true, nil
}
