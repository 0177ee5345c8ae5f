package lcm

import (
	"sync"
	"testing"
)

// fakeProvider is a minimal in-package Provider used to exercise the
// dispatch/subscription machinery without any real transport underneath.
type fakeProvider struct {
	ctx *Context

	mu      sync.Mutex
	inbox   []fakeMsg
	fired   chan struct{}
	subbed  map[string]bool
}

type fakeMsg struct {
	channel string
	data    []byte
}

func newFakeProvider(ctx *Context, _ string, _ map[string]string) (Provider, error) {
	return &fakeProvider{ctx: ctx, fired: make(chan struct{}, 64), subbed: map[string]bool{}}, nil
}

func (p *fakeProvider) Publish(channel string, data []byte) error {
	p.mu.Lock()
	p.inbox = append(p.inbox, fakeMsg{channel, data})
	p.mu.Unlock()
	select {
	case p.fired <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakeProvider) Subscribe(channel string) error {
	p.mu.Lock()
	p.subbed[channel] = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Handle() error {
	<-p.fired
	p.mu.Lock()
	msg := p.inbox[0]
	p.inbox = p.inbox[1:]
	p.mu.Unlock()

	if !p.ctx.TryEnqueue(msg.channel) {
		return nil
	}
	p.ctx.Dispatch(msg.channel, &RecvBuf{Data: msg.data})
	return nil
}

func (p *fakeProvider) GetFileno() (int, error) { return -1, nil }
func (p *fakeProvider) Destroy() error          { return nil }

func testRegistry() Registry {
	reg := NewRegistry()
	reg.Add("fake", newFakeProvider)
	return reg
}

func TestSubscribeAndDispatch(t *testing.T) {
	ctx, err := New("fake://", testRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []byte
	done := make(chan struct{})
	if _, err := ctx.Subscribe("EXAMPLE", func(channel string, rbuf *RecvBuf) {
		got = rbuf.Data
		close(done)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := ctx.Publish("EXAMPLE", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ctx.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	<-done
	if string(got) != "hello" {
		t.Fatalf("expected handler to receive published payload, got %q", got)
	}
}

func TestRegexAnchoring(t *testing.T) {
	ctx, err := New("fake://", testRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var hits int
	if _, err := ctx.Subscribe("FOO", func(string, *RecvBuf) { hits++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx.Publish("FOO", []byte("a"))
	ctx.Handle()
	ctx.Publish("FOOBAR", []byte("b")) // "FOO" fully anchored must not match a prefix
	ctx.Handle()
	ctx.Publish("NOTFOO", []byte("c")) // must not match
	ctx.Handle()

	if hits != 1 {
		t.Fatalf("expected 1 match (FOO only), got %d", hits)
	}
}

func TestUnsubscribeDuringCallback(t *testing.T) {
	ctx, err := New("fake://", testRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var sub *Subscription
	var calls int
	sub, err = ctx.Subscribe("CHAN", func(channel string, rbuf *RecvBuf) {
		calls++
		if err := ctx.Unsubscribe(sub); err != nil {
			t.Fatalf("Unsubscribe from within callback: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx.Publish("CHAN", []byte("1"))
	ctx.Handle()
	ctx.Publish("CHAN", []byte("2"))
	ctx.Handle()

	if calls != 1 {
		t.Fatalf("expected handler to run exactly once before self-unsubscribe took effect, got %d", calls)
	}
}

func TestQueueCapacityDropsExcessMessages(t *testing.T) {
	// Exercises TryEnqueue/Dispatch directly: with a queue capacity of 1,
	// reserving a slot twice before any delivery happens must refuse the
	// second reservation, and only one Dispatch call's worth of messages
	// should reach the handler.
	ctx, err := New("fake://", testRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var delivered int
	sub, err := ctx.Subscribe("SLOW", func(string, *RecvBuf) { delivered++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx.SetQueueCapacity(sub, 1)

	if !ctx.TryEnqueue("SLOW") {
		t.Fatalf("expected first reservation to succeed")
	}
	if ctx.TryEnqueue("SLOW") {
		t.Fatalf("expected second reservation to be refused at capacity 1")
	}

	ctx.Dispatch("SLOW", &RecvBuf{Data: []byte("1")})
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}

	// The slot is now free again.
	if !ctx.TryEnqueue("SLOW") {
		t.Fatalf("expected a slot to be free again after delivery")
	}
}

func TestRecursiveHandleRejected(t *testing.T) {
	ctx, err := New("fake://", testRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inner := make(chan error, 1)
	ctx.Subscribe("CHAN", func(string, *RecvBuf) {
		inner <- ctx.Handle()
	})

	ctx.Publish("CHAN", []byte("1"))
	if err := ctx.Handle(); err != nil {
		t.Fatalf("outer Handle: %v", err)
	}
	if got := <-inner; got != ErrRecursiveHandle {
		t.Fatalf("expected ErrRecursiveHandle from the nested call, got %v", got)
	}
}

func TestNoSuchProvider(t *testing.T) {
	if _, err := New("bogus://target", testRegistry()); err != ErrNoSuchProvider {
		t.Fatalf("expected ErrNoSuchProvider, got %v", err)
	}
}
