package sipua

import (
	"sync"
	"time"
)

// eventQueue carries callbacks from SIP and media goroutines to the
// goroutine that calls HandleEvents.
type eventQueue struct {
	mu     sync.Mutex
	fns    []func()
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fns := q.fns
	q.fns = nil
	return fns
}

// dispatch waits up to timeout for at least one event, then runs every
// queued event and returns how many ran.
func (q *eventQueue) dispatch(timeout time.Duration) int {
	fns := q.drain()
	if len(fns) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
		fns = q.drain()
	}
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (q *eventQueue) clear() {
	q.drain()
}
