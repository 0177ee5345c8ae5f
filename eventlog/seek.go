package eventlog

import (
	"encoding/binary"
	"io"
	"math"
)

// eventHeaderSize is the byte length of sync-magic + event-num + timestamp,
// the prefix getEventTime needs to read before rewinding.
const eventHeaderSize = 4 + 8 + 8

// SeekToTimestamp repositions the log's read cursor at (or just before) the
// first event with timestamp >= ts, using an approximate bisection search
// over the file's byte offsets rather than a linear scan.
//
// Any ts <= 0 rewinds to the very start of the file without running the
// bisection at all. The original event-log reader special-cases this
// because its bisection has known edge-case bugs near the start of the
// file; that behavior is preserved here rather than "fixed", since fixing
// it would be a silent behavior change from the format this log file must
// stay compatible with.
func (l *Log) SeekToTimestamp(ts int64) error {
	if ts <= 0 {
		l.readPos = 0
		return l.seekToReadPos()
	}

	info, err := l.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		l.readPos = 0
		return l.seekToReadPos()
	}

	frac1, frac2 := 0.0, 1.0
	prevFrac := -1.0
	var lastGoodPos int64

	for {
		frac := (frac1 + frac2) / 2
		offset := int64(frac * float64(size))
		if offset >= size {
			offset = size - 1
		}

		curTime, pos, err := getEventTime(l.f, offset)
		if err != nil {
			// Nothing found scanning forward from offset; treat as "past
			// the end" and narrow from the top.
			frac2 = frac
			if frac2-frac1 < 1e-12 {
				break
			}
			continue
		}
		lastGoodPos = pos

		newFrac := float64(pos) / float64(size)
		if newFrac <= frac1 || newFrac >= frac2 {
			break
		}
		if math.Abs(newFrac-prevFrac) < 1e-12 {
			break
		}
		prevFrac = newFrac

		if curTime == ts {
			break
		}
		if curTime < ts {
			frac1 = newFrac
		} else {
			frac2 = newFrac
		}
	}

	l.readPos = lastGoodPos
	return l.seekToReadPos()
}

// getEventTime scans forward from offset for the next sync magic, reads the
// event number and timestamp immediately following it, then returns the
// file position of the start of that event (so the caller can rewind there
// and re-read the same event in full).
func getEventTime(f interface {
	io.ReaderAt
}, offset int64) (timestampUs int64, eventStart int64, err error) {
	// Scan for magic using a small sliding window read directly via ReadAt,
	// since this helper must not disturb any buffered reader state.
	const chunkSize = 4096
	buf := make([]byte, chunkSize)
	pos := offset

	var window [4]byte
	haveWindow := 0

	for {
		n, rerr := f.ReadAt(buf, pos)
		if n == 0 {
			return 0, 0, io.EOF
		}
		for i := 0; i < n; i++ {
			if haveWindow < 4 {
				window[haveWindow] = buf[i]
				haveWindow++
				if haveWindow == 4 && binary.BigEndian.Uint32(window[:]) == syncMagic {
					matchPos := pos + int64(i) - 3
					rest := make([]byte, 16)
					if _, err := f.ReadAt(rest, matchPos+4); err != nil {
						return 0, 0, io.EOF
					}
					evNum := int64(binary.BigEndian.Uint64(rest[0:8]))
					_ = evNum
					ts := int64(binary.BigEndian.Uint64(rest[8:16]))
					return ts, matchPos, nil
				}
				continue
			}
			window[0], window[1], window[2], window[3] = window[1], window[2], window[3], buf[i]
			if binary.BigEndian.Uint32(window[:]) == syncMagic {
				matchPos := pos + int64(i) - 3
				rest := make([]byte, 16)
				if _, err := f.ReadAt(rest, matchPos+4); err != nil {
					return 0, 0, io.EOF
				}
				evNum := int64(binary.BigEndian.Uint64(rest[0:8]))
				_ = evNum
				ts := int64(binary.BigEndian.Uint64(rest[8:16]))
				return ts, matchPos, nil
			}
		}
		if rerr != nil {
			return 0, 0, io.EOF
		}
		pos += int64(n)
	}
}
