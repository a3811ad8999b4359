package services

import (
	"sync"

	"github.com/benmeehan/iot-tunnel/internal/models"
)

// eventQueue is an unbounded FIFO between the tunnel controllers and the MQTT publisher.
// Controllers never block on push, and nothing pushed before close is lost.
type eventQueue struct {
	mu      sync.Mutex
	pending []models.TunnelEvent
	closed  bool
	wake    chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push appends ev. It reports false once the queue is closed.
func (q *eventQueue) push(ev models.TunnelEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
	return true
}

// close stops accepting events. Events already queued are still handed out by take.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take waits for events and returns them in push order. The second result is
// false when the queue is closed and fully drained.
func (q *eventQueue) take() ([]models.TunnelEvent, bool) {
	for {
		q.mu.Lock()
		batch, closed := q.pending, q.closed
		q.pending = nil
		q.mu.Unlock()

		if len(batch) > 0 {
			return batch, true
		}
		if closed {
			return nil, false
		}
		<-q.wake
	}
}
