package udpm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/odinlcm/lcm/internal/lcmmetrics"
	"github.com/odinlcm/lcm/internal/syncx"
	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/ringbuf"
)

const defaultMulticastAddr = "239.255.76.67:7667"

// Provider is the UDP multicast transport. The send socket is created
// eagerly at construction time (matching lcm_udpm_create); the receive
// socket and goroutine are created lazily on the first Subscribe or
// GetFileno call (matching _setup_recv_parts), gated by a self-test that
// confirms multicast loopback actually works before the provider is
// considered ready.
type Provider struct {
	ctx         *lcm.Context
	mcAddr      *net.UDPAddr
	ttl         int
	recvBufSize int
	log         zerolog.Logger

	sendConn *net.UDPConn
	sendPC   *ipv4.PacketConn

	recvOnce syncx.ErrOnce
	recvConn *net.UDPConn
	recvPC   *ipv4.PacketConn

	ring  *ringbuf.RingBuffer
	frags *fragStore

	mu       sync.Mutex
	freeList descQueue
	filled   descQueue

	notifyR, notifyW *os.File

	seqMu    sync.Mutex
	msgSeqno uint32

	// sendMu is held for the whole of one Publish, so the fragments of one
	// message never interleave on the wire with another publisher's.
	sendMu sync.Mutex

	quit chan struct{}

	selfTesting   atomic.Bool
	selfTestRecvCh chan struct{}

	udpRx        atomic.Uint64
	udpDiscarded atomic.Uint64
}

// New constructs a udpm provider with a no-op logger. See NewWithLogger
// for wiring a real one (the transport package's default registry uses
// it).
func New(ctx *lcm.Context, target string, options map[string]string) (lcm.Provider, error) {
	return newProvider(ctx, target, options, zerolog.Nop())
}

// NewWithLogger returns a Factory bound to log, for callers (such as
// cmd/lcmd, via the transport package) that want receive-loop failures
// logged. A self-test failure is returned as an error, not logged.
func NewWithLogger(log zerolog.Logger) lcm.Factory {
	return func(ctx *lcm.Context, target string, options map[string]string) (lcm.Provider, error) {
		return newProvider(ctx, target, options, log)
	}
}

func newProvider(ctx *lcm.Context, target string, options map[string]string, log zerolog.Logger) (lcm.Provider, error) {
	addr := target
	if addr == "" {
		addr = os.Getenv("LCM_MCADDR")
	}
	if addr == "" {
		addr = defaultMulticastAddr
	}
	mcAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udpm: resolving %q: %w", addr, err)
	}

	ttl := 0
	if v, ok := options["ttl"]; ok {
		ttl, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("udpm: bad ttl option %q: %w", v, err)
		}
	} else if v := os.Getenv("LCM_TTL"); v != "" {
		ttl, _ = strconv.Atoi(v)
	}

	recvBufSize := 0
	if v, ok := options["recv_buf_size"]; ok {
		recvBufSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("udpm: bad recv_buf_size option %q: %w", v, err)
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	p := &Provider{
		ctx:         ctx,
		mcAddr:      mcAddr,
		ttl:         ttl,
		recvBufSize: recvBufSize,
		log:         log,
		ring:        ringbuf.New(ringBufSize),
		frags:       newFragStore(maxFragBufTotalSize, maxNumFragBufs),
		notifyR:     r,
		notifyW:     w,
		quit:        make(chan struct{}),
	}
	growFreeList(&p.freeList, defaultRecvBufs)

	if err := p.setupSendSocket(); err != nil {
		return nil, err
	}
	if err := p.testConnectivity(); err != nil {
		p.sendConn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Provider) setupSendSocket() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("udpm: creating send socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(p.ttl); err != nil {
		conn.Close()
		return fmt.Errorf("udpm: setting multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return fmt.Errorf("udpm: enabling multicast loopback: %w", err)
	}
	p.sendConn = conn
	p.sendPC = pc
	return nil
}

// testConnectivity opens and immediately closes a throwaway socket
// connected to the multicast destination, to fail fast (with a useful
// hint) rather than silently publishing into a void — mirroring the
// connectivity check lcm_udpm_create performs before returning.
func (p *Provider) testConnectivity() error {
	conn, err := net.DialUDP("udp4", nil, p.mcAddr)
	if err != nil {
		if hint := linuxRoutingHint(); hint != "" {
			return fmt.Errorf("udpm: %s unreachable: %w\n%s", p.mcAddr, err, hint)
		}
		return fmt.Errorf("udpm: %s unreachable: %w", p.mcAddr, err)
	}
	return conn.Close()
}

func (p *Provider) nextSeqno() uint32 {
	p.seqMu.Lock()
	p.msgSeqno++
	v := p.msgSeqno
	p.seqMu.Unlock()
	return v
}

// Publish frames and sends data on channel, splitting across multiple
// fragment datagrams if it doesn't fit in one.
func (p *Provider) Publish(channel string, data []byte) error {
	if len(channel) > maxChannelNameLength {
		return lcm.ErrChannelTooLong
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	seqno := p.nextSeqno()
	total := shortHeaderSize + len(channel) + 1 + len(data)
	if total <= maxUnfragmentedSize {
		return p.publishShort(channel, data, seqno)
	}
	return p.publishFragmented(channel, data, seqno)
}

func (p *Provider) publishShort(channel string, data []byte, seqno uint32) error {
	buf := make([]byte, shortHeaderSize+len(channel)+1+len(data))
	off := encodeShortHeader(buf, seqno)
	off += copy(buf[off:], channel)
	buf[off] = 0
	off++
	copy(buf[off:], data)
	_, err := p.sendConn.WriteToUDP(buf, p.mcAddr)
	return err
}

// fragment is one wire-ready datagram of a fragmented publish: its encoded
// long header followed by its slice of the payload.
type fragment struct {
	hdr     longHeader
	payload []byte
}

// planFragments splits "channel\0data" into fragmentMaxPayload-sized
// datagrams. msg_size and fragment_offset refer to data alone, per
// spec.md §4.7 ("not including the channel+NUL in the first fragment"),
// mirroring lcm_udpm.c:652-705: the first fragment's wire bytes are
// channel+NUL+(a prefix of data), but its fragment_offset is still 0, since
// no data bytes precede it.
func planFragments(channel string, data []byte, seqno uint32) []fragment {
	chanBlob := make([]byte, len(channel)+1)
	copy(chanBlob, channel)

	total := len(chanBlob) + len(data)
	numFrags := (total + fragmentMaxPayload - 1) / fragmentMaxPayload
	frags := make([]fragment, 0, numFrags)

	dataOff := 0
	remainingChan := chanBlob
	for i := 0; i < numFrags; i++ {
		fragDataOff := dataOff
		room := fragmentMaxPayload
		var payload []byte
		if len(remainingChan) > 0 {
			n := len(remainingChan)
			if n > room {
				n = room
			}
			payload = append(payload, remainingChan[:n]...)
			remainingChan = remainingChan[n:]
			room -= n
		}
		if room > 0 && dataOff < len(data) {
			n := len(data) - dataOff
			if n > room {
				n = room
			}
			payload = append(payload, data[dataOff:dataOff+n]...)
			dataOff += n
		}

		frags = append(frags, fragment{
			hdr: longHeader{
				Magic:          longHeaderMagic,
				MsgSeqno:       seqno,
				MsgSize:        uint32(len(data)),
				FragmentOffset: uint32(fragDataOff),
				FragmentNo:     uint16(i),
				FragmentsInMsg: uint16(numFrags),
			},
			payload: payload,
		})
	}
	return frags
}

func (p *Provider) publishFragmented(channel string, data []byte, seqno uint32) error {
	for _, f := range planFragments(channel, data, seqno) {
		buf := make([]byte, longHeaderSize+len(f.payload))
		off := encodeLongHeader(buf, f.hdr)
		copy(buf[off:], f.payload)
		if _, err := p.sendConn.WriteToUDP(buf, p.mcAddr); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe lazily brings up the receive socket and goroutine, gated by a
// self-test. LCM does not filter multicast traffic at the socket level
// per channel; all channel matching happens in the registry above this
// provider, so Subscribe's only job here is to ensure the receive side is
// running at all.
func (p *Provider) Subscribe(_ string) error {
	return p.ensureRecvStarted()
}

func (p *Provider) ensureRecvStarted() error {
	return p.recvOnce.Do(func() error {
		if err := p.setupRecvSocket(); err != nil {
			return err
		}
		go p.recvLoop()
		return p.selfTest()
	})
}

func (p *Provider) setupRecvSocket() error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				// SO_REUSEPORT is best-effort: not every kernel supports it,
				// and the original only sets it on BSD-family targets.
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", p.mcAddr.Port))
	if err != nil {
		return fmt.Errorf("udpm: binding receive socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	ipc := ipv4.NewPacketConn(conn)
	if err := ipc.JoinGroup(nil, &net.UDPAddr{IP: p.mcAddr.IP}); err != nil {
		conn.Close()
		return fmt.Errorf("udpm: joining multicast group %s: %w", p.mcAddr.IP, err)
	}
	if p.recvBufSize > 0 {
		_ = conn.SetReadBuffer(p.recvBufSize)
	}
	p.recvConn = conn
	p.recvPC = ipc
	return nil
}

// recvLoop allocates a worst-case-sized landing buffer from the ring arena
// for every datagram, recvmsg's directly into it, then shrinks the
// allocation down to the bytes actually received before handing it to
// handleDatagram for parsing. This mirrors the original's recv thread,
// which reads straight into a buffer carved out of its own ring rather
// than a scratch heap buffer it would have to copy out of afterward.
func (p *Provider) recvLoop() {
	for {
		p.mu.Lock()
		rec := p.allocRingLocked(maxDatagramSize)
		p.mu.Unlock()
		if rec == nil {
			p.log.Warn().Msg("udpm: receive loop stopped: ring arena cannot fit a landing buffer")
			return
		}

		n, from, err := p.recvConn.ReadFromUDP(rec.FullBytes())
		if err != nil {
			p.releaseLanding(rec)
			select {
			case <-p.quit:
				return
			default:
			}
			p.log.Warn().Err(err).Msg("udpm: receive loop stopped")
			return
		}
		p.udpRx.Add(1)
		lcmmetrics.UDPDatagramsReceived.Inc()

		p.mu.Lock()
		rec.ring.ShrinkLast(rec, uint32(n))
		p.mu.Unlock()

		p.handleDatagram(rec, from)
	}
}

func (p *Provider) discard() {
	p.udpDiscarded.Add(1)
	lcmmetrics.UDPDatagramsDiscarded.Inc()
}

// handleDatagram parses the datagram recvLoop just landed in rec (already
// shrunk to its actual received size) and routes it by magic. Whichever of
// handleShort/handleLong takes it over owns releasing rec back to the ring
// arena.
func (p *Provider) handleDatagram(rec *ringbuf.Record, from *net.UDPAddr) {
	pkt := rec.Bytes()
	if len(pkt) < 4 {
		p.releaseLanding(rec)
		p.discard()
		return
	}
	switch binary.BigEndian.Uint32(pkt[0:4]) {
	case shortHeaderMagic:
		p.handleShort(pkt, rec)
	case longHeaderMagic:
		p.handleLong(pkt, rec, from)
	default:
		p.releaseLanding(rec)
		p.discard()
	}
}

func (p *Provider) handleShort(pkt []byte, rec *ringbuf.Record) {
	if _, ok := decodeShortHeader(pkt); !ok {
		p.releaseLanding(rec)
		p.discard()
		return
	}
	rest := pkt[shortHeaderSize:]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		p.releaseLanding(rec)
		p.discard()
		return
	}
	// A single-datagram message's payload is already exactly what rec
	// holds; it becomes the dispatch record directly instead of being
	// copied into a second ring allocation.
	p.enqueueLanding(string(rest[:nul]), rec, rest[nul+1:])
}

func (p *Provider) handleLong(pkt []byte, rec *ringbuf.Record, from *net.UDPAddr) {
	hdr, ok := decodeLongHeader(pkt)
	if !ok || int(hdr.MsgSize) > maxMessageSize {
		p.releaseLanding(rec)
		p.discard()
		return
	}
	key := fragBufKey(from.IP.String(), from.Port)
	payload := pkt[longHeaderSize:]

	p.mu.Lock()
	fb := p.frags.lookup(key)
	if fb == nil || fb.msgSeqno != hdr.MsgSeqno {
		if fb != nil {
			p.frags.remove(fb)
		}
		if hdr.FragmentNo != 0 {
			// Out-of-order or first-fragment-lost message: forfeit it
			// instead of reassembling from a non-zero fragment, matching
			// lcm_udpm.c's "if (!fbuf && fragment_no == 0)" guard.
			p.mu.Unlock()
			p.releaseLanding(rec)
			p.discard()
			return
		}
		fb = &fragBuf{
			fromKey:    key,
			msgSeqno:   hdr.MsgSeqno,
			data:       make([]byte, hdr.MsgSize),
			fragsTotal: hdr.FragmentsInMsg,
		}
		p.frags.add(fb)
	} else {
		p.frags.touch(fb)
	}
	lcmmetrics.FragmentBuffersActive.Set(float64(len(p.frags.entries)))

	// Fragment 0's payload is channel+NUL+(a prefix of data); every other
	// fragment's payload is pure data. fragment_offset is always relative
	// to data alone (spec.md §4.7), so frag 0 still lands at offset 0.
	if hdr.FragmentNo == 0 {
		nul := bytes.IndexByte(payload, 0)
		if nul < 0 {
			p.mu.Unlock()
			p.releaseLanding(rec)
			p.discard()
			return
		}
		fb.channel = string(payload[:nul])
		payload = payload[nul+1:]
	}

	end := int(hdr.FragmentOffset) + len(payload)
	if end > len(fb.data) {
		p.mu.Unlock()
		p.releaseLanding(rec)
		p.discard()
		return
	}
	copy(fb.data[hdr.FragmentOffset:end], payload)
	fb.fragsRecvd++
	fb.lastUtimeUs = nowUs()
	complete := fb.fragsRecvd >= fb.fragsTotal
	if complete {
		p.frags.remove(fb)
		lcmmetrics.FragmentBuffersActive.Set(float64(len(p.frags.entries)))
	}
	p.mu.Unlock()

	// The fragment's bytes have now been copied out of the landing buffer
	// into the reassembly buffer; release it before any further ring
	// allocation happens (the completion path below allocates its own
	// record), so it is always freed as the then-current tail rather than
	// stranded behind a longer-lived queued descriptor.
	p.releaseLanding(rec)

	if !complete {
		return
	}
	if fb.channel == "" {
		p.discard()
		return
	}
	p.enqueueDescriptor(fb.channel, fb.data)
}

// admitForDispatch applies the self-test gate described in selftest.go,
// reporting whether channel should actually be queued for the consumer.
// It has already handled (and returned false for) the self-test marker
// itself and any ordinary traffic arriving mid-self-test.
func (p *Provider) admitForDispatch(channel string) bool {
	if channel == selfTestChannel {
		if p.selfTesting.Load() {
			select {
			case p.selfTestRecvCh <- struct{}{}:
			default:
			}
		}
		return false
	}
	if p.selfTesting.Load() {
		p.discard()
		return false
	}
	return true
}

// allocRingLocked allocates n bytes from the ring arena, orphaning the
// exhausted one and replacing it with a larger one on failure, matching
// lcm_buf_allocate_data's behavior when the ring has no room: in-flight
// records from the old arena stay valid (nothing references p.ring
// directly except future allocations) and are simply never reused.
// Caller holds p.mu.
func (p *Provider) allocRingLocked(n uint32) *ringbuf.Record {
	rec := p.ring.Alloc(n)
	if rec == nil {
		grown := uint32(float64(p.ring.Capacity()) * 1.5)
		if grown < n {
			grown = n
		}
		p.ring = ringbuf.New(grown)
		rec = p.ring.Alloc(n)
		lcmmetrics.RingBufferOrphanEvents.Inc()
	}
	return rec
}

// releaseLanding returns rec to the ring arena it was allocated from.
func (p *Provider) releaseLanding(rec *ringbuf.Record) {
	p.mu.Lock()
	rec.ring.Dealloc(rec)
	p.mu.Unlock()
}

// queueDescriptorLocked appends a dispatch record backed by rec (whose
// payload view is data) to the filled queue, reporting whether the queue
// was empty beforehand. Caller holds p.mu and must write a notify byte
// afterward, outside the lock, if this returns true.
func (p *Provider) queueDescriptorLocked(channel string, rec *ringbuf.Record, data []byte) bool {
	d := allocateDescriptor(&p.freeList)
	d.channel = channel
	d.rec = rec
	d.data = data
	d.recvUtimeUs = nowUs()
	wasEmpty := p.filled.empty()
	p.filled.enqueue(d)
	return wasEmpty
}

// enqueueLanding queues rec directly as the dispatch record for a
// single-datagram message: the ring arena already holds exactly the bytes
// recvmsg delivered (recvLoop already shrank it to size), so payload is
// just a view into it, and no further copy into the ring is needed unlike
// a reassembled fragmented message (enqueueDescriptor).
func (p *Provider) enqueueLanding(channel string, rec *ringbuf.Record, payload []byte) {
	if !p.admitForDispatch(channel) {
		p.releaseLanding(rec)
		return
	}

	p.mu.Lock()
	wasEmpty := p.queueDescriptorLocked(channel, rec, payload)
	p.mu.Unlock()

	if wasEmpty {
		_, _ = p.notifyW.Write([]byte{'+'})
	}
}

// enqueueDescriptor copies data (a fully reassembled fragmented message's
// payload, living in plain heap memory built up across several fragments)
// into a fresh ring allocation and queues it for the next Handle call.
func (p *Provider) enqueueDescriptor(channel string, data []byte) {
	if !p.admitForDispatch(channel) {
		return
	}

	p.mu.Lock()
	rec := p.allocRingLocked(uint32(len(data)))
	if rec == nil {
		p.mu.Unlock()
		p.discard()
		return
	}
	copy(rec.Bytes(), data)
	wasEmpty := p.queueDescriptorLocked(channel, rec, rec.Bytes())
	p.mu.Unlock()

	if wasEmpty {
		_, _ = p.notifyW.Write([]byte{'+'})
	}
}

// Handle pops one queued message and dispatches it if at least one
// subscription still has room.
func (p *Provider) Handle() error {
	var b [1]byte
	if _, err := p.notifyR.Read(b[:]); err != nil {
		return err
	}

	p.mu.Lock()
	d := p.filled.dequeue()
	stillNonEmpty := !p.filled.empty()
	p.mu.Unlock()
	if d == nil {
		return nil
	}
	if stillNonEmpty {
		_, _ = p.notifyW.Write([]byte{'+'})
	}

	if p.ctx.TryEnqueue(d.channel) {
		p.ctx.Dispatch(d.channel, &lcm.RecvBuf{Data: d.data, RecvUtimeUs: d.recvUtimeUs})
		lcmmetrics.MessagesDispatched.WithLabelValues("udpm").Inc()
	} else {
		lcmmetrics.MessagesDroppedQueueFull.Inc()
	}

	p.mu.Lock()
	if d.rec != nil {
		d.rec.ring.Dealloc(d.rec)
		d.rec = nil
	}
	d.data = nil
	p.freeList.enqueue(d)
	p.mu.Unlock()
	return nil
}

// GetFileno brings up the receive side (if not already running) and
// returns the notify pipe's read end, so callers can multiplex Handle
// with other file descriptors via select/poll/epoll.
func (p *Provider) GetFileno() (int, error) {
	if err := p.ensureRecvStarted(); err != nil {
		return -1, err
	}
	return int(p.notifyR.Fd()), nil
}

// Destroy tears down both sockets and unblocks the receive goroutine.
func (p *Provider) Destroy() error {
	close(p.quit)
	if p.recvConn != nil {
		p.recvConn.Close()
	}
	if p.sendConn != nil {
		p.sendConn.Close()
	}
	p.notifyR.Close()
	p.notifyW.Close()
	return nil
}
