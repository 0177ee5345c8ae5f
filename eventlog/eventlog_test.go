package eventlog

import (
	"path/filepath"
	"testing"
)

func writeSampleLog(t *testing.T, path string, n int) {
	t.Helper()
	l, err := Open(path, Write)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	for i := 0; i < n; i++ {
		ev := &Event{
			TimestampUs: int64(i) * 1000,
			Channel:     "CHAN",
			Data:        []byte{byte(i), byte(i + 1)},
		}
		if err := l.WriteEvent(ev); err != nil {
			t.Fatalf("write event %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	writeSampleLog(t, path, 5)

	l, err := Open(path, Read)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		ev, err := l.ReadNextEvent()
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		if ev == nil {
			t.Fatalf("unexpected EOF at event %d", i)
		}
		if ev.EventNum != int64(i) {
			t.Fatalf("event %d: expected eventnum %d, got %d", i, i, ev.EventNum)
		}
		if ev.Channel != "CHAN" {
			t.Fatalf("event %d: unexpected channel %q", i, ev.Channel)
		}
	}

	ev, err := l.ReadNextEvent()
	if err != nil {
		t.Fatalf("expected clean EOF, got error: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event at EOF, got %+v", ev)
	}
}

func TestSeekToTimestampZeroRewindsToStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	writeSampleLog(t, path, 10)

	l, err := Open(path, Read)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer l.Close()

	// advance past the first few events
	for i := 0; i < 3; i++ {
		if _, err := l.ReadNextEvent(); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	if err := l.SeekToTimestamp(0); err != nil {
		t.Fatalf("seek to 0: %v", err)
	}
	ev, err := l.ReadNextEvent()
	if err != nil {
		t.Fatalf("read after seek: %v", err)
	}
	if ev == nil || ev.EventNum != 0 {
		t.Fatalf("expected first event after seeking to timestamp 0, got %+v", ev)
	}
}

func TestSeekToTimestampApprox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	writeSampleLog(t, path, 20)

	l, err := Open(path, Read)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer l.Close()

	if err := l.SeekToTimestamp(10000); err != nil {
		t.Fatalf("seek: %v", err)
	}
	ev, err := l.ReadNextEvent()
	if err != nil {
		t.Fatalf("read after seek: %v", err)
	}
	if ev == nil {
		t.Fatalf("expected an event after seeking into the middle of the log")
	}
	if ev.TimestampUs < 0 {
		t.Fatalf("unexpected timestamp %d", ev.TimestampUs)
	}
}

func TestAppendResumesNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	writeSampleLog(t, path, 3)

	l, err := Open(path, Append)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	ev := &Event{TimestampUs: 99, Channel: "C2", Data: []byte("x")}
	if err := l.WriteEvent(ev); err != nil {
		t.Fatalf("append write: %v", err)
	}
	if ev.EventNum != 3 {
		t.Fatalf("expected appended event to continue numbering at 3, got %d", ev.EventNum)
	}
	l.Close()

	r, err := Open(path, Read)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	var last *Event
	for {
		e, err := r.ReadNextEvent()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if e == nil {
			break
		}
		last = e
	}
	if last == nil || last.Channel != "C2" {
		t.Fatalf("expected last event to be the appended one, got %+v", last)
	}
}
