// Package udpm implements the default LCM transport: unreliable UDP
// multicast, with a small reassembly layer for messages larger than one
// datagram. It is the Go analogue of lcm_udpm.c / udpm_util.c.
package udpm

import "encoding/binary"

const (
	// shortHeaderMagic tags a single-datagram message (LCM2_MAGIC_SHORT).
	shortHeaderMagic uint32 = 0x4c433032
	// longHeaderMagic tags one fragment of a multi-datagram message
	// (LCM2_MAGIC_LONG).
	longHeaderMagic uint32 = 0x4c433033

	shortHeaderSize = 4 + 4          // magic, msg_seqno
	longHeaderSize  = 4 + 4 + 4 + 4 + 2 + 2 // magic, msg_seqno, msg_size, fragment_offset, fragment_no, fragments_in_msg

	// maxChannelNameLength bounds the channel name of every published
	// message, whether it goes out as a short message or in fragment zero
	// of a fragmented one.
	maxChannelNameLength = 63

	// Datagram payload budgets. LCM shrinks these on platforms whose UDP
	// stack silently drops large datagrams (historically Apple's); this
	// port targets Linux-class networking stacks exclusively, so only the
	// larger values are used.
	shortMessageMaxSize  = 65499
	fragmentMaxPayload   = 65487
	maxUnfragmentedSize  = shortMessageMaxSize

	// maxMessageSize bounds the reassembled data size (a long header's
	// msg_size, which excludes the channel name and its NUL) that the
	// fragment store will accept.
	maxMessageSize = 256 * 1024 * 1024

	// ringBufSize is the default size of the per-provider receive arena.
	ringBufSize = 200 * 1024

	// maxDatagramSize is the landing buffer size recvLoop allocates from
	// the ring arena for every recvmsg call, before shrinking it down to
	// the number of bytes actually received.
	maxDatagramSize = 65536

	// defaultRecvBufs sizes the initial batch of descriptor-queue growth.
	defaultRecvBufs = 2000

	// Fragment store bounds (C3): number of distinct in-flight senders and
	// total bytes of partially-reassembled data kept before the LRU
	// eviction kicks in.
	maxFragBufTotalSize = 1 << 24
	maxNumFragBufs      = 1000
)

// shortHeader is the wire layout of a single-datagram message, followed
// immediately by the channel name (NUL-free, length implied by the
// remaining datagram length up to the first NUL byte) and the payload.
type shortHeader struct {
	Magic     uint32
	MsgSeqno  uint32
}

func encodeShortHeader(buf []byte, seqno uint32) int {
	binary.BigEndian.PutUint32(buf[0:4], shortHeaderMagic)
	binary.BigEndian.PutUint32(buf[4:8], seqno)
	return shortHeaderSize
}

func decodeShortHeader(buf []byte) (shortHeader, bool) {
	if len(buf) < shortHeaderSize {
		return shortHeader{}, false
	}
	h := shortHeader{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		MsgSeqno: binary.BigEndian.Uint32(buf[4:8]),
	}
	return h, true
}

// longHeader is the wire layout of one fragment of a multi-datagram
// message. Fragment zero's payload begins with the NUL-terminated channel
// name; later fragments carry pure payload bytes.
type longHeader struct {
	Magic            uint32
	MsgSeqno         uint32
	MsgSize          uint32
	FragmentOffset   uint32
	FragmentNo       uint16
	FragmentsInMsg   uint16
}

func encodeLongHeader(buf []byte, h longHeader) int {
	binary.BigEndian.PutUint32(buf[0:4], longHeaderMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.MsgSeqno)
	binary.BigEndian.PutUint32(buf[8:12], h.MsgSize)
	binary.BigEndian.PutUint32(buf[12:16], h.FragmentOffset)
	binary.BigEndian.PutUint16(buf[16:18], h.FragmentNo)
	binary.BigEndian.PutUint16(buf[18:20], h.FragmentsInMsg)
	return longHeaderSize
}

func decodeLongHeader(buf []byte) (longHeader, bool) {
	if len(buf) < longHeaderSize {
		return longHeader{}, false
	}
	h := longHeader{
		Magic:          binary.BigEndian.Uint32(buf[0:4]),
		MsgSeqno:       binary.BigEndian.Uint32(buf[4:8]),
		MsgSize:        binary.BigEndian.Uint32(buf[8:12]),
		FragmentOffset: binary.BigEndian.Uint32(buf[12:16]),
		FragmentNo:     binary.BigEndian.Uint16(buf[16:18]),
		FragmentsInMsg: binary.BigEndian.Uint16(buf[18:20]),
	}
	return h, true
}
