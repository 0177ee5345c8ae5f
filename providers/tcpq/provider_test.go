package tcpq_test

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/providers/tcpq"
)

// fakeBroker is a minimal stand-in for the real tcpq broker: it performs
// the handshake and echoes every publish frame straight back to the same
// connection, as if the client were the only (and therefore always
// matching) subscriber.
func fakeBroker(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeBrokerConn(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeBrokerConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var hs [6]byte
	if _, err := io.ReadFull(r, hs[:]); err != nil {
		return
	}

	var reply [6]byte
	binary.BigEndian.PutUint32(reply[0:4], 0x287617FA)
	binary.BigEndian.PutUint16(reply[4:6], 0x0100)
	if _, err := conn.Write(reply[:]); err != nil {
		return
	}

	for {
		msgType, err := r.ReadByte()
		if err != nil {
			return
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		channel := make([]byte, n)
		if _, err := io.ReadFull(r, channel); err != nil {
			return
		}

		if msgType != 1 { // subscribe/unsubscribe: nothing to relay
			continue
		}

		var dataLenBuf [4]byte
		if _, err := io.ReadFull(r, dataLenBuf[:]); err != nil {
			return
		}
		dn := binary.BigEndian.Uint32(dataLenBuf[:])
		data := make([]byte, dn)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}

		frame := make([]byte, 1+4+len(channel)+4+len(data))
		frame[0] = 1
		binary.BigEndian.PutUint32(frame[1:5], uint32(len(channel)))
		off := 5 + copy(frame[5:], channel)
		binary.BigEndian.PutUint32(frame[off:off+4], uint32(len(data)))
		copy(frame[off+4:], data)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func TestPublishAndReceiveViaBroker(t *testing.T) {
	addr, stop := fakeBroker(t)
	defer stop()

	reg := lcm.NewRegistry()
	reg.Add("tcpq", tcpq.New)
	ctx, err := lcm.New("tcpq://"+addr, reg)
	if err != nil {
		t.Fatalf("lcm.New: %v", err)
	}
	defer ctx.Destroy()

	received := make(chan string, 1)
	if _, err := ctx.Subscribe("PING", func(_ string, rbuf *lcm.RecvBuf) {
		received <- string(rbuf.Data)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The connection manager goroutine dials asynchronously; give it a
	// moment, retrying Publish until it succeeds or we time out.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := ctx.Publish("PING", []byte("pong"))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Publish never succeeded: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	go func() {
		for {
			if err := ctx.Handle(); err != nil {
				return
			}
		}
	}()

	select {
	case msg := <-received:
		if msg != "pong" {
			t.Fatalf("expected %q, got %q", "pong", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for broker echo")
	}
}
