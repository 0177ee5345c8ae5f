package tcpq

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlcm/lcm/internal/lcmmetrics"
	"github.com/odinlcm/lcm/lcm"
)

// ErrNotConnected is returned by Publish when the broker connection is
// currently down; the connection manager goroutine keeps retrying in the
// background. Subscribe and Unsubscribe do not return it: subscriptions
// made while disconnected are remembered and replayed once it reconnects.
var ErrNotConnected = errors.New("tcpq: not connected to broker")

const (
	minReconnectDelay = 200 * time.Millisecond
	maxReconnectDelay = 10 * time.Second
)

type message struct {
	channel string
	data    []byte
	recvUs  int64
}

// Provider is a TCP-queue broker client.
type Provider struct {
	ctx  *lcm.Context
	addr string
	log  zerolog.Logger

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	subscriptions map[string]bool

	queueMu sync.Mutex
	queue   []message

	notifyR, notifyW *os.File
	quit             chan struct{}
}

// New constructs a tcpq provider with a no-op logger. See NewWithLogger
// for wiring a real one.
func New(ctx *lcm.Context, target string, options map[string]string) (lcm.Provider, error) {
	return newProvider(ctx, target, options, zerolog.Nop())
}

// NewWithLogger returns a Factory bound to log, used by the transport
// package's default registry so reconnect attempts are visible.
func NewWithLogger(log zerolog.Logger) lcm.Factory {
	return func(ctx *lcm.Context, target string, options map[string]string) (lcm.Provider, error) {
		return newProvider(ctx, target, options, log)
	}
}

func newProvider(ctx *lcm.Context, target string, _ map[string]string, log zerolog.Logger) (lcm.Provider, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		ctx:           ctx,
		addr:          target,
		log:           log,
		subscriptions: map[string]bool{},
		notifyR:       r,
		notifyW:       w,
		quit:          make(chan struct{}),
	}
	go p.connectionLoop()
	return p, nil
}

// connectionLoop dials the broker, performs the handshake, replays
// current subscriptions, and runs the read loop until the connection
// drops — then backs off and tries again. It mirrors lcm_tcpq.c's
// reconnect-and-resubscribe behavior: a failed dial or handshake, or a read
// error on the connection, starts this cycle over. A write error in
// Publish, Subscribe or Unsubscribe is returned to that caller and does not
// by itself close the connection.
func (p *Provider) connectionLoop() {
	delay := minReconnectDelay
	for {
		select {
		case <-p.quit:
			return
		default:
		}

		conn, err := net.Dial("tcp", p.addr)
		if err != nil {
			p.log.Warn().Err(err).Str("addr", p.addr).Msg("tcpq: dial failed, retrying")
			if !p.sleepOrQuit(delay) {
				return
			}
			delay = backoff(delay)
			continue
		}

		if err := p.handshakeAndResubscribe(conn); err != nil {
			p.log.Warn().Err(err).Msg("tcpq: handshake failed, retrying")
			conn.Close()
			if !p.sleepOrQuit(delay) {
				return
			}
			delay = backoff(delay)
			continue
		}

		p.log.Info().Str("addr", p.addr).Msg("tcpq: connected")
		lcmmetrics.TCPQReconnects.Inc()
		delay = minReconnectDelay

		p.mu.Lock()
		p.conn = conn
		p.connected = true
		p.mu.Unlock()

		p.readLoop(conn) // blocks until the connection fails or p.quit closes

		p.mu.Lock()
		p.connected = false
		p.conn = nil
		p.mu.Unlock()
		conn.Close()

		select {
		case <-p.quit:
			return
		default:
		}
	}
}

func (p *Provider) sleepOrQuit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.quit:
		return false
	}
}

func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func (p *Provider) handshakeAndResubscribe(conn net.Conn) error {
	if err := writeHandshake(conn); err != nil {
		return err
	}
	if err := readServerHandshake(bufio.NewReader(conn)); err != nil {
		return err
	}

	p.mu.Lock()
	patterns := make([]string, 0, len(p.subscriptions))
	for pat := range p.subscriptions {
		patterns = append(patterns, pat)
	}
	p.mu.Unlock()

	for _, pat := range patterns {
		if _, err := conn.Write(encodePatternFrame(msgTypeSubscribe, pat)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		f, err := decodeFrame(r)
		if err != nil {
			return
		}
		if f.msgType == msgTypePublish {
			p.enqueue(f.channel, f.data)
		}
	}
}

func (p *Provider) enqueue(channel string, data []byte) {
	p.queueMu.Lock()
	wasEmpty := len(p.queue) == 0
	p.queue = append(p.queue, message{channel: channel, data: data, recvUs: nowUs()})
	p.queueMu.Unlock()

	if wasEmpty {
		_, _ = p.notifyW.Write([]byte{'+'})
	}
}

// Publish sends a publish frame over the current connection. Returns
// ErrNotConnected if the broker connection is currently down; the caller
// is not expected to retry itself.
func (p *Provider) Publish(channel string, data []byte) error {
	if len(channel) > 63 {
		return lcm.ErrChannelTooLong
	}
	p.mu.Lock()
	conn, connected := p.conn, p.connected
	p.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	_, err := conn.Write(encodePublishFrame(channel, data))
	return err
}

// Subscribe records pattern (for replay on reconnect) and, if currently
// connected, sends a subscribe frame immediately.
func (p *Provider) Subscribe(pattern string) error {
	p.mu.Lock()
	p.subscriptions[pattern] = true
	conn, connected := p.conn, p.connected
	p.mu.Unlock()
	if !connected {
		return nil
	}
	_, err := conn.Write(encodePatternFrame(msgTypeSubscribe, pattern))
	return err
}

// Unsubscribe forgets pattern and, if currently connected, sends an
// unsubscribe frame immediately.
func (p *Provider) Unsubscribe(pattern string) error {
	p.mu.Lock()
	delete(p.subscriptions, pattern)
	conn, connected := p.conn, p.connected
	p.mu.Unlock()
	if !connected {
		return nil
	}
	_, err := conn.Write(encodePatternFrame(msgTypeUnsubscribe, pattern))
	return err
}

// Handle pops one queued message and dispatches it if at least one
// subscription still has room.
func (p *Provider) Handle() error {
	var b [1]byte
	if _, err := p.notifyR.Read(b[:]); err != nil {
		return err
	}

	p.queueMu.Lock()
	msg := p.queue[0]
	p.queue = p.queue[1:]
	stillNonEmpty := len(p.queue) > 0
	p.queueMu.Unlock()

	if stillNonEmpty {
		_, _ = p.notifyW.Write([]byte{'+'})
	}

	if p.ctx.TryEnqueue(msg.channel) {
		p.ctx.Dispatch(msg.channel, &lcm.RecvBuf{Data: msg.data, RecvUtimeUs: msg.recvUs})
		lcmmetrics.MessagesDispatched.WithLabelValues("tcpq").Inc()
	} else {
		lcmmetrics.MessagesDroppedQueueFull.Inc()
	}
	return nil
}

// GetFileno returns the notify pipe's read end.
func (p *Provider) GetFileno() (int, error) {
	return int(p.notifyR.Fd()), nil
}

// Destroy stops the connection manager goroutine and closes the notify
// pipe and any active connection.
func (p *Provider) Destroy() error {
	close(p.quit)
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	p.notifyR.Close()
	p.notifyW.Close()
	return nil
}
