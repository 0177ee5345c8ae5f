// Package lcm implements the provider-dispatch layer of a connectionless
// publish/subscribe transport: URL-driven provider selection, regex channel
// subscriptions, and reentrant-safe callback dispatch. The wire-level
// transports (UDP multicast, TCP broker client, log playback, in-process
// queue) live in the sibling providers/ packages and implement the Provider
// interface declared here.
package lcm

import "sync"

// Context is a single LCM endpoint: one active Provider plus the
// subscription registry dispatching messages it receives.
type Context struct {
	reg      *registry
	provider Provider

	handleMu sync.Mutex
}

// New creates a Context for url, resolving it against reg (see Registry).
// An empty url falls back to LCM_DEFAULT_URL and then DefaultURL, per
// spec.md §4.5.
func New(url string, reg Registry) (*Context, error) {
	parsed, err := ParseURL(ResolveURL(url))
	if err != nil {
		return nil, err
	}
	factory, ok := reg.Lookup(parsed.Scheme)
	if !ok {
		return nil, ErrNoSuchProvider
	}

	ctx := &Context{reg: newRegistry()}
	provider, err := factory(ctx, parsed.Target, parsed.Options)
	if err != nil {
		return nil, err
	}
	ctx.provider = provider
	return ctx, nil
}

// Destroy tears down the active provider and releases its resources. The
// Context must not be used afterward.
func (c *Context) Destroy() error {
	return c.provider.Destroy()
}

// Publish sends data on channel via the active provider.
func (c *Context) Publish(channel string, data []byte) error {
	return c.provider.Publish(channel, data)
}

// Subscribe registers h to be called for every message received on a
// channel matching pattern (fully anchored, per spec.md §4.6: the pattern is
// implicitly wrapped as "^pattern$", so it must match the whole channel name,
// not just a prefix). If the active provider implements Subscriber, it is
// told about the new subscription too.
func (c *Context) Subscribe(pattern string, h Handler) (*Subscription, error) {
	sub, err := c.reg.subscribe(pattern, h)
	if err != nil {
		return nil, err
	}
	if s, ok := c.provider.(Subscriber); ok {
		if err := s.Subscribe(pattern); err != nil {
			c.reg.unsubscribe(sub)
			return nil, err
		}
	}
	return sub, nil
}

// Unsubscribe removes sub. If a dispatch for sub's channel is currently in
// progress on another call stack, the subscription is only marked for
// deletion and is actually removed once that dispatch finishes — see
// registry.dispatch.
func (c *Context) Unsubscribe(sub *Subscription) error {
	c.reg.unsubscribe(sub)
	if u, ok := c.provider.(Unsubscriber); ok {
		return u.Unsubscribe(sub.pattern)
	}
	return nil
}

// SetQueueCapacity changes how many undelivered messages may be pending for
// sub before further matching messages are dropped for it. n <= 0 means
// unbounded.
func (c *Context) SetQueueCapacity(sub *Subscription, n int) {
	c.reg.setQueueCapacity(sub, n)
}

// Handle blocks until the active provider has one message ready and
// dispatches it. It returns ErrRecursiveHandle if called again while
// already in progress on another goroutine or re-entrantly from within a
// handler — the original implementation disallows recursive lcm_handle the
// same way.
func (c *Context) Handle() error {
	if !c.handleMu.TryLock() {
		return ErrRecursiveHandle
	}
	defer c.handleMu.Unlock()
	return c.provider.Handle()
}

// GetFileno returns an OS descriptor that becomes readable when Handle
// would not block, for integration with an external select/poll loop.
func (c *Context) GetFileno() (int, error) {
	return c.provider.GetFileno()
}

// HasHandlers reports whether any subscription currently matches channel.
// The memq provider calls this to drop a publish nobody is listening for
// before copying its payload.
func (c *Context) HasHandlers(channel string) bool {
	return c.reg.hasHandlers(channel)
}

// TryEnqueue reserves a delivery slot for channel on every subscription
// that currently has room in its queue, and reports whether at least one
// slot was reserved. Providers call this once a message is fully received
// (or loaded, for log playback) and before calling Dispatch; if it returns
// false the message must be dropped without dispatching.
func (c *Context) TryEnqueue(channel string) bool {
	return c.reg.tryEnqueue(channel)
}

// Dispatch delivers rbuf to every subscription matching channel that
// TryEnqueue already reserved a slot for.
func (c *Context) Dispatch(channel string, rbuf *RecvBuf) {
	c.reg.dispatch(channel, rbuf)
}
