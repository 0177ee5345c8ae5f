package memq_test

import (
	"testing"

	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/providers/memq"
)

func newCtx(t *testing.T) *lcm.Context {
	t.Helper()
	reg := lcm.NewRegistry()
	reg.Add("memq", memq.New)
	ctx, err := lcm.New("memq://", reg)
	if err != nil {
		t.Fatalf("lcm.New: %v", err)
	}
	return ctx
}

func TestPublishDropsWithNoSubscribers(t *testing.T) {
	ctx := newCtx(t)
	defer ctx.Destroy()

	if err := ctx.Publish("NOBODY", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// If the NOBODY publish had been queued, the next Handle would pop it
	// (and deliver nothing) instead of the PING published below.
	received := make(chan string, 1)
	if _, err := ctx.Subscribe("PING", func(channel string, _ *lcm.RecvBuf) {
		received <- channel
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := ctx.Publish("PING", []byte("y")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ctx.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	select {
	case ch := <-received:
		if ch != "PING" {
			t.Fatalf("expected channel %q, got %q", "PING", ch)
		}
	default:
		t.Fatalf("expected the first Handle to deliver PING; the publish with no subscribers was queued")
	}
}

func TestPublishAndHandleDeliversToSubscriber(t *testing.T) {
	ctx := newCtx(t)
	defer ctx.Destroy()

	received := make(chan string, 1)
	if _, err := ctx.Subscribe("PING", func(channel string, rbuf *lcm.RecvBuf) {
		received <- string(rbuf.Data)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := ctx.Publish("PING", []byte("pong")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ctx.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "pong" {
			t.Fatalf("expected %q, got %q", "pong", msg)
		}
	default:
		t.Fatalf("expected handler to have run synchronously within Handle")
	}
}

func TestMultipleQueuedMessagesDeliverInOrder(t *testing.T) {
	ctx := newCtx(t)
	defer ctx.Destroy()

	var order []string
	if _, err := ctx.Subscribe("SEQ", func(_ string, rbuf *lcm.RecvBuf) {
		order = append(order, string(rbuf.Data))
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, v := range []string{"a", "b", "c"} {
		if err := ctx.Publish("SEQ", []byte(v)); err != nil {
			t.Fatalf("Publish(%q): %v", v, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := ctx.Handle(); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected FIFO delivery order [a b c], got %v", order)
	}
}
