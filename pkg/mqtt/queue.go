package mqtt

import "sync"

// inbox is an unbounded FIFO of inbound work. push never blocks, so paho's
// network goroutine is never held up by a handler that publishes and
// waits for an acknowledgement.
type inbox struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far
func (q *inbox) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run executes queued work in arrival order until stop is closed
func (q *inbox) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-q.ready:
		}
		for _, fn := range q.take() {
			select {
			case <-stop:
				return
			default:
			}
			fn()
		}
	}
}
