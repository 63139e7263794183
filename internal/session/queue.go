package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/cadence/internal/observe"
)

// OverflowPolicy decides what a full [Queue] does with a new message.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest buffered message.
	DropOldest OverflowPolicy = "drop_oldest"
	// RejectNew discards the incoming message.
	RejectNew OverflowPolicy = "reject_new"
)

// DefaultQueueSize is the default capacity of a session's outbound queue.
const DefaultQueueSize = 512

// ParsePolicy validates a policy name. The empty string selects DropOldest.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case RejectNew:
		return RejectNew, nil
	}
	return "", fmt.Errorf("session: unknown overflow policy %q (want %q or %q)", s, DropOldest, RejectNew)
}

// Entry is one queued message.
type Entry struct {
	Seq  uint64
	Data []byte
}

// Queue is a bounded FIFO of encoded outbound messages. Writers peek the
// head, send it, and Ack it afterwards, so a message is only removed once it
// went out; anything still queued when a connection drops is replayed to the
// next one.
type Queue struct {
	mu      sync.Mutex
	buf     []Entry
	size    int
	policy  OverflowPolicy
	next    uint64
	dropped int64
	ready   chan struct{}
	metrics *observe.Metrics
}

// NewQueue returns an empty queue. size <= 0 selects [DefaultQueueSize].
func NewQueue(size int, policy OverflowPolicy, m *observe.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Queue{
		size:    size,
		policy:  policy,
		next:    1,
		ready:   make(chan struct{}, 1),
		metrics: m,
	}
}

// Push appends data. It reports false when the message or an older one was
// dropped to make room. Push never blocks.
func (q *Queue) Push(data []byte) bool {
	q.mu.Lock()
	ok := true
	if len(q.buf) >= q.size {
		ok = false
		q.dropped++
		if q.policy == RejectNew {
			q.mu.Unlock()
			q.recordDrop()
			return false
		}
		q.buf[0] = Entry{}
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, Entry{Seq: q.next, Data: data})
	q.next++
	q.mu.Unlock()

	if !ok {
		q.recordDrop()
	}
	q.signal()
	return ok
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) recordDrop() {
	slog.Debug("session: event queue full, message dropped", "policy", q.policy)
	if q.metrics != nil {
		q.metrics.RecordEventsDropped(context.Background(), string(q.policy), 1)
	}
}

// Peek returns the oldest message without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Entry{}, false
	}
	return q.buf[0], true
}

// Ack removes every message up to and including seq.
func (q *Queue) Ack(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for i < len(q.buf) && q.buf[i].Seq <= seq {
		q.buf[i] = Entry{}
		i++
	}
	q.buf = q.buf[i:]
}

// Ready is signalled (coalesced) after each Push.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many messages overflow has discarded.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards every buffered message.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
}
