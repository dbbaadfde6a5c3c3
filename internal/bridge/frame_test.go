package bridge

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		DataFrame([]byte("ls -l")),
		ResizeFrame(120, 40),
		HeartbeatFrame(7),
		ErrorFrame("something broke"),
		DataFrame(nil),
	}

	for _, f := range frames {
		var dec Decoder
		dec.Feed(f.Encode())
		got, ok, err := dec.Next()
		if err != nil {
			t.Fatalf("decode type %d: %v", f.Type, err)
		}
		if !ok {
			t.Fatalf("decode type %d: incomplete", f.Type)
		}
		if got.Type != f.Type || got.Flags != f.Flags || !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, f)
		}
	}
}

func TestDecoderArbitrarySplits(t *testing.T) {
	frames := []Frame{
		DataFrame([]byte("hello world")),
		HeartbeatFrame(1),
		ResizeFrame(80, 24),
		DataFrame([]byte("goodbye")),
	}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f.Encode()...)
	}

	// Feed the whole stream one byte at a time.
	var dec Decoder
	var got []Frame
	for _, b := range stream {
		dec.Feed([]byte{b})
		for {
			f, ok, err := dec.Next()
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, f)
		}
	}

	if len(got) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if got[i].Type != frames[i].Type || !bytes.Equal(got[i].Payload, frames[i].Payload) {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, got[i], frames[i])
		}
	}
}

func TestDecoderNeedsMore(t *testing.T) {
	f := DataFrame([]byte("abcd"))
	encoded := f.Encode()

	var dec Decoder
	dec.Feed(encoded[:1]) // one byte of the 4-byte header
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("partial header: ok=%v err=%v, want needs-more", ok, err)
	}

	dec.Feed(encoded[1:5]) // header complete, payload partial
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("partial payload: ok=%v err=%v, want needs-more", ok, err)
	}

	dec.Feed(encoded[5:])
	got, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("complete frame: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, f.Payload)
	}
}

func TestDecoderUnknownType(t *testing.T) {
	var dec Decoder
	dec.Feed([]byte{99, 0, 0, 0})
	if _, _, err := dec.Next(); err == nil {
		t.Errorf("unknown frame type accepted")
	}
}

func TestParseResize(t *testing.T) {
	f := ResizeFrame(132, 43)
	cols, rows, err := ParseResize(f.Payload)
	if err != nil {
		t.Fatalf("ParseResize: %v", err)
	}
	if cols != 132 || rows != 43 {
		t.Errorf("got %dx%d, want 132x43", cols, rows)
	}

	if _, _, err := ParseResize([]byte{1, 2}); err == nil {
		t.Errorf("short resize payload accepted")
	}
}
