package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// FatalEvent is an operator-facing event that demands intervention — in
// this substrate, exclusively CROSS_ABORT_IRRECOVERABLE (§7).
type FatalEvent struct {
	CrossTxID string
	Reason    error
	Detail    string
}

// OperatorQueue is a small bounded channel-backed sink for fatal events. It
// never blocks a caller indefinitely: once full, the oldest unread event is
// dropped and the drop is itself logged, since the alternative (blocking
// the coordinator goroutine) would turn a reporting problem into a
// liveness problem.
type OperatorQueue struct {
	mu      sync.Mutex
	events  chan FatalEvent
	dropped uint64
}

func NewOperatorQueue(capacity int) *OperatorQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &OperatorQueue{events: make(chan FatalEvent, capacity)}
}

// Push enqueues a fatal event, logging loudly regardless of whether the
// channel accepts it.
func (q *OperatorQueue) Push(ev FatalEvent) {
	logrus.WithFields(logrus.Fields{
		"cross_tx": ev.CrossTxID,
		"reason":   ev.Reason,
		"detail":   ev.Detail,
	}).Error("CROSS_ABORT_IRRECOVERABLE: operator intervention required")

	select {
	case q.events <- ev:
	default:
		select {
		case <-q.events:
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
			logrus.Warn("operator queue full; dropped oldest fatal event")
		default:
		}
		q.events <- ev
	}
}

// Drain returns and removes every currently queued fatal event.
func (q *OperatorQueue) Drain() []FatalEvent {
	var out []FatalEvent
	for {
		select {
		case ev := <-q.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (q *OperatorQueue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
