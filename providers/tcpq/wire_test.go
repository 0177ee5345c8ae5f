package tcpq

import (
	"bufio"
	"bytes"
	"testing"
)

func TestPublishFrameRoundTrip(t *testing.T) {
	buf := encodePublishFrame("CHAN", []byte("hello"))
	f, err := decodeFrame(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if f.msgType != msgTypePublish || f.channel != "CHAN" || string(f.data) != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestPatternFrameRoundTrip(t *testing.T) {
	buf := encodePatternFrame(msgTypeSubscribe, "FOO.*")
	f, err := decodeFrame(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if f.msgType != msgTypeSubscribe || f.channel != "FOO.*" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHandshake(&buf); err != nil {
		t.Fatalf("writeHandshake (as if server): %v", err)
	}
	// writeHandshake writes the client preamble; swap in the server magic
	// to exercise readServerHandshake's validation path honestly.
	raw := buf.Bytes()
	raw[3] = byte(magicServer)
	raw[0], raw[1], raw[2] = byte(magicServer>>24), byte(magicServer>>16), byte(magicServer>>8)
	if err := readServerHandshake(bytes.NewReader(raw)); err != nil {
		t.Fatalf("readServerHandshake: %v", err)
	}
}

func TestReadServerHandshakeRejectsBadMagic(t *testing.T) {
	bad := []byte{0, 0, 0, 0, 1, 0}
	if err := readServerHandshake(bytes.NewReader(bad)); err == nil {
		t.Fatalf("expected an error for a bad magic")
	}
}

func TestDecodeFrameRejectsOversizedField(t *testing.T) {
	buf := make([]byte, 1+4)
	buf[0] = msgTypePublish
	buf[1], buf[2], buf[3], buf[4] = 0xFF, 0xFF, 0xFF, 0xFF // absurd length
	if _, err := decodeFrame(bufio.NewReader(bytes.NewReader(buf))); err == nil {
		t.Fatalf("expected an error for an oversized length-prefixed field")
	}
}
