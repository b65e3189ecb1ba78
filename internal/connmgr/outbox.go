package connmgr

import (
	"context"
	"sync"
)

// outbox delivers items in the order the state machine produced them, off
// the event loop. Attendance events go through one so an Exit never
// overtakes its Enter and a slow API never stalls RSSI supervision;
// alerts go through another so a slow sink never stalls the loop.
type outbox[T any] struct {
	send func(context.Context, T)

	mu      sync.Mutex
	queue   []T
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newOutbox[T any](send func(context.Context, T)) *outbox[T] {
	return &outbox[T]{
		send: send,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (o *outbox[T]) push(item T) {
	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox[T]) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// run delivers until stop is called and the queue is empty, or ctx is
// done.
func (o *outbox[T]) run(ctx context.Context) {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		stopped := o.stopped
		o.mu.Unlock()

		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			o.send(ctx, item)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		select {
		case <-o.wake:
		case <-ctx.Done():
			return
		}
	}
}

// stop lets run return once everything queued so far is delivered.
func (o *outbox[T]) stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.signal()
}
