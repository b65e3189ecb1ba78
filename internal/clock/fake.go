package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only on Advance. It is safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// on the goroutine that called Advance. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time // After
	fn       func()         // AfterFunc
	done     bool           // fired or stopped
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After implements Clock.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc implements Clock. d <= 0 calls f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.done {
			return false
		}
		w.done = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every waiter whose deadline
// has been reached, earliest first. Time steps to each waiter's deadline
// before it fires, so a callback sees its own deadline from Now, and
// waiters registered by a callback fire in the same Advance if they fall
// inside the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w := c.next(target)
		if w == nil {
			break
		}
		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- w.deadline:
		default:
		}
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// next removes and returns the earliest live waiter due by target, moving
// now to its deadline. It returns nil when none is due.
func (c *FakeClock) next(target time.Time) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := c.waiters[:0]
	var due *waiter
	for _, w := range c.waiters {
		if w.done {
			continue
		}
		keep = append(keep, w)
		if w.deadline.After(target) {
			continue
		}
		if due == nil || w.deadline.Before(due.deadline) {
			due = w
		}
	}
	c.waiters = keep
	if due == nil {
		return nil
	}
	due.done = true
	if due.deadline.After(c.now) {
		c.now = due.deadline
	}
	return due
}

// PendingCount returns the number of timers that have neither fired nor
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// WaitForTimers blocks until at least n timers are pending. Use it before
// Advance when another goroutine is about to register the timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}
