// Package memq implements the in-process queue provider: the simplest LCM
// transport, usable only between a Context and itself (or others sharing
// the same process and Context), with no network I/O at all.
package memq

import (
	"os"
	"sync"

	"github.com/odinlcm/lcm/internal/lcmmetrics"
	"github.com/odinlcm/lcm/lcm"
)

type message struct {
	channel string
	data    []byte
	recvUs  int64
}

// Provider is the memq transport. It has no receive thread: messages
// published by the same process are queued directly and picked up the next
// time Handle is called.
type Provider struct {
	ctx *lcm.Context

	mu    sync.Mutex
	queue []message

	notifyR, notifyW *os.File
}

// New constructs a memq provider. target and options are unused; memq has
// no addressing or configuration surface.
func New(ctx *lcm.Context, _ string, _ map[string]string) (lcm.Provider, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Provider{ctx: ctx, notifyR: r, notifyW: w}, nil
}

// Publish drops the message immediately if nobody is currently subscribed —
// matching lcm_memq_publish's no-op-when-no-subscribers optimization — and
// otherwise queues a copy of data for delivery on the next Handle call.
func (p *Provider) Publish(channel string, data []byte) error {
	if !p.ctx.HasHandlers(channel) {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	p.mu.Lock()
	wasEmpty := len(p.queue) == 0
	p.queue = append(p.queue, message{channel: channel, data: cp, recvUs: nowUs()})
	p.mu.Unlock()

	if wasEmpty {
		if _, err := p.notifyW.Write([]byte{'+'}); err != nil {
			return err
		}
	}
	return nil
}

// Handle blocks for one notify-pipe byte, pops the oldest queued message,
// re-arms the pipe if more are waiting, and dispatches the popped message
// if at least one subscription still has room for it.
func (p *Provider) Handle() error {
	var b [1]byte
	if _, err := p.notifyR.Read(b[:]); err != nil {
		return err
	}

	p.mu.Lock()
	msg := p.queue[0]
	p.queue = p.queue[1:]
	stillNonEmpty := len(p.queue) > 0
	p.mu.Unlock()

	if stillNonEmpty {
		if _, err := p.notifyW.Write([]byte{'+'}); err != nil {
			return err
		}
	}

	if p.ctx.TryEnqueue(msg.channel) {
		p.ctx.Dispatch(msg.channel, &lcm.RecvBuf{Data: msg.data, RecvUtimeUs: msg.recvUs})
		lcmmetrics.MessagesDispatched.WithLabelValues("memq").Inc()
	} else {
		lcmmetrics.MessagesDroppedQueueFull.Inc()
	}
	return nil
}

// GetFileno returns the notify pipe's read end.
func (p *Provider) GetFileno() (int, error) {
	return int(p.notifyR.Fd()), nil
}

// Destroy closes the notify pipe and drops any still-queued messages.
func (p *Provider) Destroy() error {
	p.notifyR.Close()
	p.notifyW.Close()
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	return nil
}
