// Package tcpq implements a client for LCM's TCP-queue broker: a single
// external process relaying publish/subscribe traffic between otherwise
// unreachable peers (no multicast routing, or peers on different
// networks). It is the Go analogue of lcm_tcpq.c.
package tcpq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	magicClient     uint32 = 0x287617FB
	magicServer     uint32 = 0x287617FA
	protocolVersion uint16 = 0x0100

	msgTypePublish     uint8 = 1
	msgTypeSubscribe   uint8 = 2
	msgTypeUnsubscribe uint8 = 3

	// maxFrameField bounds a single length-prefixed field (channel name or
	// payload) read off the wire, guarding against a corrupt or hostile
	// peer claiming an absurd length and exhausting memory.
	maxFrameField = 64 * 1024 * 1024
)

// writeHandshake sends the client's magic + version preamble.
func writeHandshake(w io.Writer) error {
	var buf [6]byte
	binary.BigEndian.PutUint32(buf[0:4], magicClient)
	binary.BigEndian.PutUint16(buf[4:6], protocolVersion)
	_, err := w.Write(buf[:])
	return err
}

// readServerHandshake reads and validates the server's magic + version
// reply.
func readServerHandshake(r io.Reader) error {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("tcpq: reading handshake: %w", err)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint16(buf[4:6])
	if magic != magicServer {
		return fmt.Errorf("tcpq: bad server magic %#x", magic)
	}
	if version != protocolVersion {
		return fmt.Errorf("tcpq: unsupported server protocol version %#x", version)
	}
	return nil
}

// encodePublishFrame frames a publish message: type, channel length +
// bytes, payload length + bytes.
func encodePublishFrame(channel string, data []byte) []byte {
	buf := make([]byte, 1+4+len(channel)+4+len(data))
	buf[0] = msgTypePublish
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(channel)))
	off := 5 + copy(buf[5:], channel)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(data)))
	copy(buf[off+4:], data)
	return buf
}

// encodePatternFrame frames a subscribe or unsubscribe message: type,
// pattern length + bytes.
func encodePatternFrame(msgType uint8, pattern string) []byte {
	buf := make([]byte, 1+4+len(pattern))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(pattern)))
	copy(buf[5:], pattern)
	return buf
}

// frame is one decoded message read off the wire.
type frame struct {
	msgType uint8
	channel string
	data    []byte
}

// decodeFrame reads exactly one frame from r, a buffered reader over the
// connection.
func decodeFrame(r *bufio.Reader) (frame, error) {
	msgType, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}

	channel, err := readLengthPrefixed(r)
	if err != nil {
		return frame{}, err
	}

	if msgType == msgTypeSubscribe || msgType == msgTypeUnsubscribe {
		return frame{msgType: msgType, channel: string(channel)}, nil
	}

	data, err := readLengthPrefixed(r)
	if err != nil {
		return frame{}, err
	}
	return frame{msgType: msgType, channel: string(channel), data: data}, nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameField {
		return nil, fmt.Errorf("tcpq: frame field length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
