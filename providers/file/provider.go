// Package file implements two LCM providers backed by an event log on
// disk: recording (every Publish call is appended as an event) and
// speed-scaled playback (events are dispatched back out on a wall clock
// scaled by a configurable speed factor). Which one a given provider
// instance is depends on the "mode" URL option, mirroring lcm_file.c's
// read/write split.
package file

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odinlcm/lcm/eventlog"
	"github.com/odinlcm/lcm/internal/lcmmetrics"
	"github.com/odinlcm/lcm/lcm"
)

// Provider is either a recording or playback log provider, never both.
type Provider struct {
	ctx    *lcm.Context
	log    *eventlog.Log
	record bool // true: Publish appends events. false: Handle replays them.
	speed  float64

	notifyR, notifyW *os.File

	mu      sync.Mutex
	pending *eventlog.Event

	consumedCh chan struct{}
	quit       chan struct{}
}

// New opens target (a file path) as an event log and returns a provider
// for it. Recognized options: "mode" ("r", the default, for playback; "w"
// for recording; "a" to append, which behaves like "w" since there is
// nothing left in the log to play back) and "speed" (playback rate
// multiplier, default 1; <= 0 ignores the recorded timestamps and replays
// at up to 1000 events per second).
func New(ctx *lcm.Context, target string, options map[string]string) (lcm.Provider, error) {
	mode := eventlog.Read
	record := false
	switch options["mode"] {
	case "", "r":
		mode = eventlog.Read
	case "w":
		mode = eventlog.Write
		record = true
	case "a":
		mode = eventlog.Append
		record = true
	default:
		return nil, fmt.Errorf("file: unrecognized mode option %q", options["mode"])
	}

	log, err := eventlog.Open(target, mode)
	if err != nil {
		return nil, fmt.Errorf("file: opening %q: %w", target, err)
	}

	speed := 1.0
	if v, ok := options["speed"]; ok {
		speed, err = strconv.ParseFloat(v, 64)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("file: bad speed option %q: %w", v, err)
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		log.Close()
		return nil, err
	}

	p := &Provider{
		ctx:        ctx,
		log:        log,
		record:     record,
		speed:      speed,
		notifyR:    r,
		notifyW:    w,
		consumedCh: make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}

	if !record {
		go p.schedule()
	}
	return p, nil
}

// schedule reads events one at a time, pre-loading the next one as
// "pending" and sleeping until its scaled wall-clock due time before
// waking the notify pipe. The very first event is armed immediately —
// notifyW is written to as soon as it is read, with no sleep — matching
// the original's choice to play the first event in a log with zero delay
// regardless of its recorded timestamp. The playback clock starts when the
// first Handle consumes that event; later events accumulate
// nextClockUs by (event delta)/speed rather than re-deriving it from
// time.Now() each time, so playback doesn't drift relative to the log's
// own timestamps even under scheduling jitter.
func (p *Provider) schedule() {
	first, err := p.log.ReadNextEvent()
	if err != nil || first == nil {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(1000), 1)
	var nextClockUs int64 // zero: the first event is due at once
	prevLogTimeUs := first.TimestampUs
	cur := first

	for {
		p.mu.Lock()
		p.pending = cur
		p.mu.Unlock()

		if wait := nextClockUs - nowUs(); wait > 0 {
			t := time.NewTimer(time.Duration(wait) * time.Microsecond)
			select {
			case <-t.C:
			case <-p.quit:
				t.Stop()
				return
			}
		}

		if _, err := p.notifyW.Write([]byte{'+'}); err != nil {
			return
		}

		select {
		case <-p.consumedCh:
		case <-p.quit:
			return
		}
		if cur == first {
			nextClockUs = nowUs()
		}

		next, err := p.log.ReadNextEvent()
		if err != nil || next == nil {
			return
		}

		if p.speed > 0 {
			deltaUs := next.TimestampUs - prevLogTimeUs
			nextClockUs += int64(float64(deltaUs) / p.speed)
		} else {
			_ = limiter.Wait(context.Background())
			nextClockUs = nowUs()
		}
		prevLogTimeUs = next.TimestampUs
		cur = next
	}
}

// Publish appends an event to the log. Only valid for a provider opened
// in write or append mode.
func (p *Provider) Publish(channel string, data []byte) error {
	if !p.record {
		return lcm.ErrProviderReadOnly
	}
	return p.log.WriteEvent(&eventlog.Event{
		TimestampUs: nowUs(),
		Channel:     channel,
		Data:        data,
	})
}

// Handle blocks until the next scheduled event is due, then dispatches
// it. Only valid for a provider opened in read mode.
func (p *Provider) Handle() error {
	if p.record {
		return lcm.ErrProviderWriteOnly
	}

	var b [1]byte
	if _, err := p.notifyR.Read(b[:]); err != nil {
		return err
	}

	p.mu.Lock()
	ev := p.pending
	p.pending = nil
	p.mu.Unlock()
	if ev == nil {
		return nil
	}

	select {
	case p.consumedCh <- struct{}{}:
	default:
	}

	if p.ctx.TryEnqueue(ev.Channel) {
		p.ctx.Dispatch(ev.Channel, &lcm.RecvBuf{Data: ev.Data, RecvUtimeUs: ev.TimestampUs})
		lcmmetrics.MessagesDispatched.WithLabelValues("file").Inc()
	} else {
		lcmmetrics.MessagesDroppedQueueFull.Inc()
	}
	return nil
}

// GetFileno returns the notify pipe's read end. Only meaningful for a
// provider opened in read mode.
func (p *Provider) GetFileno() (int, error) {
	if p.record {
		return -1, lcm.ErrProviderWriteOnly
	}
	return int(p.notifyR.Fd()), nil
}

// Destroy stops the scheduler goroutine (if any), closes the log, and
// closes the notify pipe.
func (p *Provider) Destroy() error {
	close(p.quit)
	p.notifyR.Close()
	p.notifyW.Close()
	return p.log.Close()
}
