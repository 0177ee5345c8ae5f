// Package eventlog implements the on-disk event-log file format used to
// record and replay LCM traffic: a flat sequence of length-prefixed,
// big-endian-framed events, each carrying a channel name, a payload, and the
// timestamp it was originally received at.
package eventlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// syncMagic begins every event record and lets a reader resynchronize after
// a truncated or corrupted write.
const syncMagic uint32 = 0xEDA1DA01

// maxChannelLen mirrors the original implementation's sanity assertion on
// channel name length; a file with a channel_len at or above this value is
// almost certainly misaligned or corrupt.
const maxChannelLen = 1000

// Mode selects how a Log is opened.
type Mode int

const (
	// Read opens an existing log for sequential reading only.
	Read Mode = iota
	// Write creates (truncating) a log for writing only.
	Write
	// ReadWrite creates (truncating) a log usable for both reading and
	// writing, flipping the underlying file position between the two as
	// needed.
	ReadWrite
	// Append opens (creating if necessary) a log for appending new events.
	Append
)

// Event is one record in an event log.
type Event struct {
	EventNum    int64
	TimestampUs int64
	Channel     string
	Data        []byte
}

// Log is an open event-log file.
type Log struct {
	f *os.File
	r *bufio.Reader

	// writeEventCount is a local counter used to number events as they are
	// written; WriteEvent never reads the file to number an event. It
	// starts at 0, except in Append mode, where Open seeds it with the
	// number of events already in the file.
	writeEventCount int64

	// atReadPos tracks whether the file's position currently reflects the
	// read cursor or the write cursor, since ReadWrite mode shares one
	// underlying *os.File between both.
	atReadPos bool
	readPos   int64
}

// Open opens path in the given mode.
func Open(path string, mode Mode) (*Log, error) {
	var flags int
	switch mode {
	case Read:
		flags = os.O_RDONLY
	case Write:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ReadWrite:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case Append:
		flags = os.O_RDWR | os.O_CREATE | os.O_APPEND
	default:
		return nil, fmt.Errorf("eventlog: unknown mode %d", mode)
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %q: %w", path, err)
	}

	l := &Log{f: f}
	if mode == Append {
		// Resume numbering from where the file leaves off: count existing
		// events by scanning once, then leave the file position at EOF
		// ready for writes.
		if n, err := countEvents(f); err == nil {
			l.writeEventCount = n
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	if mode == Read || mode == ReadWrite {
		l.r = bufio.NewReader(f)
		l.atReadPos = true
	}
	return l, nil
}

func countEvents(f *os.File) (int64, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer f.Seek(pos, io.SeekStart)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var n int64
	for {
		ev, err := readNextEvent(r)
		if err != nil || ev == nil {
			break
		}
		n++
	}
	return n, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

func fread64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func fread32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// ReadNextEvent reads and returns the next event in the log, or (nil, nil)
// at EOF. It scans byte-by-byte for the sync magic before parsing a record,
// so a reader can recover after a partial or corrupted write.
func (l *Log) ReadNextEvent() (*Event, error) {
	if l.r == nil {
		return nil, errors.New("eventlog: log not open for reading")
	}
	if !l.atReadPos {
		if err := l.seekToReadPos(); err != nil {
			return nil, err
		}
	}
	ev, err := readNextEvent(l.r)
	if pos, perr := l.f.Seek(0, io.SeekCurrent); perr == nil {
		l.readPos = pos - int64(l.r.Buffered())
	}
	return ev, err
}

func readNextEvent(r *bufio.Reader) (*Event, error) {
	if err := scanForSyncMagic(r); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	eventNum, err := fread64(r)
	if err != nil {
		return nil, eofAsNil(err)
	}
	timestamp, err := fread64(r)
	if err != nil {
		return nil, eofAsNil(err)
	}
	channelLen, err := fread32(r)
	if err != nil {
		return nil, eofAsNil(err)
	}
	dataLen, err := fread32(r)
	if err != nil {
		return nil, eofAsNil(err)
	}
	if channelLen < 0 || channelLen >= maxChannelLen {
		return nil, fmt.Errorf("eventlog: implausible channel length %d, log is likely corrupt", channelLen)
	}
	if dataLen < 0 {
		return nil, fmt.Errorf("eventlog: negative data length %d, log is likely corrupt", dataLen)
	}

	channel := make([]byte, channelLen)
	if _, err := io.ReadFull(r, channel); err != nil {
		return nil, eofAsNil(err)
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, eofAsNil(err)
	}

	return &Event{
		EventNum:    eventNum,
		TimestampUs: timestamp,
		Channel:     string(channel),
		Data:        data,
	}, nil
}

func eofAsNil(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// scanForSyncMagic advances r past bytes until the 4-byte big-endian sync
// magic is found, leaving r positioned just after it. Returns io.EOF if the
// magic is never found.
func scanForSyncMagic(r *bufio.Reader) error {
	var window [4]byte
	n, err := io.ReadFull(r, window[:])
	if err != nil {
		return io.EOF
	}
	_ = n
	for {
		if binary.BigEndian.Uint32(window[:]) == syncMagic {
			return nil
		}
		b, err := r.ReadByte()
		if err != nil {
			return io.EOF
		}
		window[0], window[1], window[2], window[3] = window[1], window[2], window[3], b
	}
}

// WriteEvent appends ev to the log, assigning ev.EventNum from the log's
// local write counter (overwriting whatever the caller set).
func (l *Log) WriteEvent(ev *Event) error {
	if l.atReadPos {
		if err := l.seekToEnd(); err != nil {
			return err
		}
	}

	ev.EventNum = l.writeEventCount

	var hdr [4 + 8 + 8 + 4 + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], syncMagic)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(ev.EventNum))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(ev.TimestampUs))
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(ev.Channel)))
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(ev.Data)))

	if _, err := l.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := l.f.Write([]byte(ev.Channel)); err != nil {
		return err
	}
	if _, err := l.f.Write(ev.Data); err != nil {
		return err
	}
	l.writeEventCount++
	return nil
}

func (l *Log) seekToEnd() error {
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	l.atReadPos = false
	return nil
}

func (l *Log) seekToReadPos() error {
	if _, err := l.f.Seek(l.readPos, io.SeekStart); err != nil {
		return err
	}
	l.r = bufio.NewReader(l.f)
	l.atReadPos = true
	return nil
}
