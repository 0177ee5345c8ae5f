package lcm

import "errors"

// ErrNoSuchProvider is returned by New when the URL names a provider that is
// not present in the supplied Registry.
var ErrNoSuchProvider = errors.New("lcm: no such provider")

// ErrRecursiveHandle is returned by Handle when called re-entrantly on the
// same Context from within an in-progress Handle call — the original
// implementation treats this as a programming error (it asserts); here it
// is a recoverable error instead.
var ErrRecursiveHandle = errors.New("lcm: Handle called recursively on the same context")

// ErrChannelTooLong is returned by Publish when the channel name exceeds the
// wire format's maximum length.
var ErrChannelTooLong = errors.New("lcm: channel name too long")

// ErrNotSubscribable reports that a provider does not support Subscribe.
// Nothing in this module returns it: Context.Subscribe registers a
// subscription whether or not the active provider implements Subscriber.
var ErrNotSubscribable = errors.New("lcm: provider does not support Subscribe")

// ErrProviderReadOnly is returned by Publish when the active provider is a
// log opened for playback only; a playback log has nothing to append to.
var ErrProviderReadOnly = errors.New("lcm: provider is read-only")

// ErrProviderWriteOnly is returned by Handle/GetFileno when the active
// provider is a log opened for recording only; there is nothing to play
// back until it is reopened for reading.
var ErrProviderWriteOnly = errors.New("lcm: provider is write-only")
