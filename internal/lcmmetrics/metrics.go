// Package lcmmetrics declares the daemon's Prometheus metrics:
// package-level vars registered once at init, exactly as the rest of
// this codebase's ambient stack does it.
package lcmmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// UDPDatagramsReceived counts every datagram the udpm provider's
	// receive goroutine has read off the socket, good or bad.
	UDPDatagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lcm_udp_datagrams_received_total",
		Help: "Total number of UDP datagrams received by the multicast provider",
	})

	// UDPDatagramsDiscarded counts datagrams dropped for being malformed,
	// arriving mid-self-test, being a fragment of a message whose fragment
	// zero was not seen, or finding no room in the receive ring arena.
	UDPDatagramsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lcm_udp_datagrams_discarded_total",
		Help: "Total number of UDP datagrams discarded without producing a message",
	})

	// RingBufferOrphanEvents counts how many times the receive-path ring
	// buffer ran out of room and was replaced by a larger one.
	RingBufferOrphanEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lcm_ring_buffer_orphan_events_total",
		Help: "Total number of times the UDP receive ring buffer was orphaned and grown",
	})

	// FragmentBuffersActive tracks the udpm provider's fragment store
	// occupancy: how many senders currently have a partial reassembly
	// in flight.
	FragmentBuffersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lcm_fragment_buffers_active",
		Help: "Current number of in-flight fragmented-message reassemblies",
	})

	// MessagesDispatched counts every message handed to at least one
	// subscription's handler, labeled by the provider scheme that
	// received it.
	MessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lcm_messages_dispatched_total",
		Help: "Total number of messages dispatched to at least one subscriber",
	}, []string{"provider"})

	// MessagesDroppedQueueFull counts messages a provider's Handle dropped
	// because no subscription accepted them: either none matched the
	// channel, or every matching one's queue was at capacity.
	MessagesDroppedQueueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lcm_messages_dropped_queue_full_total",
		Help: "Total number of messages dropped because no subscriber matched or every matching subscriber's queue was full",
	})

	// TCPQReconnects counts every successful connection the tcpq
	// provider's connection manager makes to the broker, the first one
	// included.
	TCPQReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lcm_tcpq_reconnects_total",
		Help: "Total number of times the tcpq provider reconnected to its broker",
	})
)

func init() {
	prometheus.MustRegister(UDPDatagramsReceived)
	prometheus.MustRegister(UDPDatagramsDiscarded)
	prometheus.MustRegister(RingBufferOrphanEvents)
	prometheus.MustRegister(FragmentBuffersActive)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(MessagesDroppedQueueFull)
	prometheus.MustRegister(TCPQReconnects)
}
