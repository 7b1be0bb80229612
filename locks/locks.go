// Package locks provides context-aware coordination primitives:
// Event, Cond, Semaphore, BoundedSemaphore and Lock. Unlike their
// sync counterparts, all blocking operations take a context and
// return early when it is canceled.
package locks

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrReleaseOverflow is returned by BoundedSemaphore.Release when a
// release would raise the value past the initial count.
var ErrReleaseOverflow = errors.New("locks: release of unacquired semaphore")

// ErrNotLocked is returned by Lock.Unlock when the lock is not held.
var ErrNotLocked = errors.New("locks: unlock of unheld lock")

// Event is a flag that goroutines can wait on. Once Set, all current
// and future waiters proceed until Clear is called.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// IsSet reports whether the flag is set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Set raises the flag, waking all waiters.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear lowers the flag; subsequent Wait calls block until Set.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// Wait blocks until the flag is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	set := e.set
	e.mu.Unlock()
	if set {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cond wakes waiters in FIFO order. Unlike sync.Cond it needs no
// external mutex and Wait takes a context.
type Cond struct {
	mu      sync.Mutex
	waiters list.List // of chan struct{}
}

func NewCond() *Cond {
	return &Cond{}
}

// Wait blocks until notified or ctx is done.
func (c *Cond) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	elem := c.waiters.PushBack(ch)
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		// A notify may have raced the cancellation. If the channel was
		// already closed, hand the wakeup to the next waiter.
		select {
		case <-ch:
			c.notifyLocked(1)
			c.mu.Unlock()
			return nil
		default:
		}
		c.waiters.Remove(elem)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Notify wakes up to n waiters.
func (c *Cond) Notify(n int) {
	c.mu.Lock()
	c.notifyLocked(n)
	c.mu.Unlock()
}

// NotifyAll wakes every current waiter.
func (c *Cond) NotifyAll() {
	c.mu.Lock()
	c.notifyLocked(c.waiters.Len())
	c.mu.Unlock()
}

func (c *Cond) notifyLocked(n int) {
	for i := 0; i < n; i++ {
		front := c.waiters.Front()
		if front == nil {
			return
		}
		c.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	}
}

// Semaphore is a counting semaphore that grants waiters in FIFO order.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters list.List // of chan struct{}
}

// NewSemaphore returns a semaphore with the given initial count.
// Negative counts are treated as zero.
func NewSemaphore(value int) *Semaphore {
	if value < 0 {
		value = 0
	}
	return &Semaphore{value: value}
}

// Acquire decrements the semaphore, blocking until a unit is available
// or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.value > 0 && s.waiters.Len() == 0 {
		s.value--
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ch:
			// The unit was already granted; give it back.
			s.releaseLocked()
			s.mu.Unlock()
			return nil
		default:
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire decrements without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value > 0 && s.waiters.Len() == 0 {
		s.value--
		return true
	}
	return false
}

// Release increments the semaphore, waking the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Semaphore) releaseLocked() {
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	s.value++
}

// BoundedSemaphore is a Semaphore whose value cannot exceed its
// initial count. Extra releases return ErrReleaseOverflow.
type BoundedSemaphore struct {
	Semaphore
	bound int
}

func NewBoundedSemaphore(value int) *BoundedSemaphore {
	if value < 0 {
		value = 0
	}
	b := &BoundedSemaphore{bound: value}
	b.value = value
	return b
}

// Release increments the semaphore, failing if it would exceed the bound.
func (b *BoundedSemaphore) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters.Len() == 0 && b.value >= b.bound {
		return ErrReleaseOverflow
	}
	b.releaseLocked()
	return nil
}

// Lock is a mutual exclusion lock whose Lock operation honors a
// context. The zero value is NOT usable; call NewLock.
type Lock struct {
	sem *BoundedSemaphore
}

func NewLock() *Lock {
	return &Lock{sem: NewBoundedSemaphore(1)}
}

// Lock acquires the lock, blocking until it is free or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx)
}

// TryLock acquires the lock without blocking, reporting success.
func (l *Lock) TryLock() bool {
	return l.sem.TryAcquire()
}

// Unlock releases the lock. Unlocking a free lock returns ErrNotLocked.
func (l *Lock) Unlock() error {
	if err := l.sem.Release(); err != nil {
		return ErrNotLocked
	}
	return nil
}
