package transport

import (
	"context"
	"sync"
)

type firing struct {
	ev *event
	at float64
}

type batch struct {
	firings []firing
	done    chan struct{}
}

// dispatchQueue is an unbounded FIFO between the command loop and the
// dispatcher, so the loop never blocks on a slow callback.
type dispatchQueue struct {
	mu     sync.Mutex
	items  []batch
	signal chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{signal: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(b batch) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) pop(ctx context.Context) (batch, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = batch{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return batch{}, false
		}
	}
}
