package udpm

import "github.com/odinlcm/lcm/ringbuf"

// descriptor describes one fully-reassembled received message, queued for
// dispatch to the consuming goroutine. It is the Go analogue of lcm_buf_t:
// the original embeds the node directly in an intrusive linked list headed
// by lcm_buf_queue_t; here it is an ordinary heap value linked via next.
type descriptor struct {
	channel     string
	rec         *ringbuf.Record // landing space for the payload, or nil if heap-allocated
	data        []byte          // payload view, either rec.Bytes() or a plain slice
	recvUtimeUs int64

	next *descriptor
}

// descQueue is a singly linked FIFO of descriptors, used both as the
// "filled" queue of messages awaiting dispatch and as a free list of
// reusable descriptor nodes (lcm_buf_queue_t in the original).
type descQueue struct {
	head, tail *descriptor
	count      int
}

func (q *descQueue) enqueue(d *descriptor) {
	d.next = nil
	if q.tail == nil {
		q.head = d
	} else {
		q.tail.next = d
	}
	q.tail = d
	q.count++
}

func (q *descQueue) dequeue() *descriptor {
	d := q.head
	if d == nil {
		return nil
	}
	q.head = d.next
	if q.head == nil {
		q.tail = nil
	}
	d.next = nil
	q.count--
	return d
}

func (q *descQueue) empty() bool { return q.head == nil }

// growFreeList adds n fresh, empty descriptor nodes to q. The original
// grows its free list 2000 nodes at a time the first time it runs dry
// rather than allocating one node per received message; this mirrors that
// batching even though Go's allocator makes it purely a texture choice,
// not a performance necessity.
func growFreeList(q *descQueue, n int) {
	for i := 0; i < n; i++ {
		q.enqueue(&descriptor{})
	}
}

// allocateDescriptor pops a node off the free list, growing it first if
// empty.
func allocateDescriptor(free *descQueue) *descriptor {
	if free.empty() {
		growFreeList(free, defaultRecvBufs)
	}
	return free.dequeue()
}
