package lcm

// RecvBuf is the payload handed to a message handler: the bytes received
// (already stripped of framing/headers) and the timestamp the provider
// recorded for it.
type RecvBuf struct {
	Data        []byte
	RecvUtimeUs int64
}

// Handler is the callback type passed to Subscribe.
type Handler func(channel string, rbuf *RecvBuf)

// Provider is the interface every transport backend implements. It mirrors
// the original's lcm_provider_vtable_t, with optional capabilities split
// into the Subscriber/Unsubscriber interfaces below (the original simply
// leaves those vtable entries NULL; a Go provider simply doesn't implement
// the interface).
type Provider interface {
	// Publish sends data on channel. Implementations that cannot publish
	// (the file provider opened for playback) return an error here.
	Publish(channel string, data []byte) error

	// Handle blocks until one message is available from the provider and
	// dispatches it to subscribers via the owning Context.
	Handle() error

	// GetFileno returns an OS file descriptor that becomes readable when
	// Handle would not block, for use with external select/poll loops.
	GetFileno() (int, error)

	// Destroy releases all resources held by the provider: sockets, open
	// files, background goroutines.
	Destroy() error
}

// Subscriber is implemented by providers that act on a new subscription
// (udpm starts its receive side, tcpq forwards the pattern to the broker).
// Providers that need no such notice (file, memq) do not implement it;
// channel matching itself always happens in the Context's registry.
type Subscriber interface {
	Subscribe(channel string) error
}

// Unsubscriber is implemented by providers that need to be told when a
// subscription is removed (tcpq, to stop forwarding its pattern from the
// broker). Context.Unsubscribe calls it once per removed subscription with
// that subscription's pattern, whether or not other subscriptions share it.
type Unsubscriber interface {
	Unsubscribe(channel string) error
}

// Factory constructs a Provider given the owning Context, the URL's target
// string, and its parsed options.
type Factory func(ctx *Context, target string, options map[string]string) (Provider, error)
