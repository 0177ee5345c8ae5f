package lcm

import (
	"regexp"
	"sync"
)

// defaultMaxQueuedMessages is the default bound on how many undelivered
// messages may be pending for one subscription before further messages on
// its channel are dropped for it. A value <= 0 means unbounded.
const defaultMaxQueuedMessages = 30

// Subscription represents one Subscribe call's registration. The zero value
// is not useful; subscriptions are created via Context.Subscribe.
type Subscription struct {
	pattern string
	re      *regexp.Regexp
	handler Handler

	maxQueued int32
	queued    int32

	callbackScheduled bool
	markedForDeletion bool
}

// registry holds the subscription bookkeeping for a Context: the full list
// of live subscriptions plus a lazily built, incrementally maintained
// per-channel match cache. All of it is guarded by mu; each method that
// acquires mu calls only *Locked helpers (which expect mu held) while
// holding it, so no call path re-enters mu from the same goroutine — see
// SPEC_FULL.md §6.
type registry struct {
	mu           sync.Mutex
	all          []*Subscription
	channelCache map[string][]*Subscription
}

func newRegistry() *registry {
	return &registry{channelCache: map[string][]*Subscription{}}
}

func (r *registry) subscribe(pattern string, h Handler) (*Subscription, error) {
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return nil, err
	}
	sub := &Subscription{pattern: pattern, re: re, handler: h, maxQueued: defaultMaxQueuedMessages}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, sub)
	// Incrementally extend every already-cached channel's handler list if
	// the new subscription matches it, rather than invalidating the whole
	// cache.
	for channel, subs := range r.channelCache {
		if sub.re.MatchString(channel) {
			r.channelCache[channel] = append(subs, sub)
		}
	}
	return sub, nil
}

func (r *registry) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromAllLocked(sub)
	for channel, subs := range r.channelCache {
		r.channelCache[channel] = removeSub(subs, sub)
	}
	if sub.callbackScheduled {
		// A dispatch currently has this subscription pinned mid-callback;
		// defer the actual free until dispatchLocked's cleanup pass.
		sub.markedForDeletion = true
	}
}

func (r *registry) removeFromAllLocked(sub *Subscription) {
	for i, s := range r.all {
		if s == sub {
			r.all = append(r.all[:i], r.all[i+1:]...)
			return
		}
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) setQueueCapacity(sub *Subscription, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.maxQueued = int32(n)
}

// handlersForLocked returns (and lazily populates/caches) the list of
// subscriptions matching channel. Caller must hold r.mu.
func (r *registry) handlersForLocked(channel string) []*Subscription {
	if subs, ok := r.channelCache[channel]; ok {
		return subs
	}
	var matched []*Subscription
	for _, sub := range r.all {
		if sub.re.MatchString(channel) {
			matched = append(matched, sub)
		}
	}
	r.channelCache[channel] = matched
	return matched
}

func (r *registry) hasHandlers(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlersForLocked(channel)) > 0
}

// tryEnqueue reserves a delivery slot on every live (non-pending-deletion)
// subscription matching channel whose queue has room, incrementing each
// one's queued counter. It reports whether at least one subscription
// accepted the message — if none did (no subscribers, or every matching
// subscription's queue is full), the caller should drop the message without
// calling dispatch.
func (r *registry) tryEnqueue(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlersForLocked(channel)
	keepers := 0
	for _, sub := range subs {
		if sub.markedForDeletion {
			continue
		}
		if sub.maxQueued <= 0 || sub.queued < sub.maxQueued {
			sub.queued++
			keepers++
		}
	}
	return keepers > 0
}

// dispatch runs the three-pass delivery algorithm: pin every subscription
// matching channel as callback-scheduled, invoke the handler of each one
// that is not pending deletion and has a reserved queue slot, with the
// registry lock released (so a handler may freely call
// Subscribe/Unsubscribe/Publish), then sweep for subscriptions that were
// unsubscribed mid-callback and free them.
func (r *registry) dispatch(channel string, rbuf *RecvBuf) {
	r.mu.Lock()
	subs := append([]*Subscription(nil), r.handlersForLocked(channel)...)
	for _, sub := range subs {
		sub.callbackScheduled = true
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.mu.Lock()
		deliverable := !sub.markedForDeletion && sub.queued > 0
		if deliverable {
			sub.queued--
		}
		r.mu.Unlock()

		if deliverable {
			sub.handler(channel, rbuf)
		}
	}

	r.mu.Lock()
	var toFree []*Subscription
	for _, sub := range subs {
		sub.callbackScheduled = false
		if sub.markedForDeletion {
			toFree = append(toFree, sub)
		}
	}
	for _, sub := range toFree {
		r.removeFromAllLocked(sub)
		for channel, list := range r.channelCache {
			r.channelCache[channel] = removeSub(list, sub)
		}
	}
	r.mu.Unlock()
}
