// Package timer implements a hashed-wheel timer keyed by a monotonic
// time.Time, used by the dispatcher to coordinate per-connection
// wakeups without scanning every live connection on each tick.
package timer

import (
	"container/list"
	"sync"
	"time"
)

// entry is one scheduled item: a tick bucket index (relative to the
// wheel's epoch), the exact deadline (so a bucket holding several
// coarse-grained ticks can still be checked precisely), and the caller's
// value.
type entry[T any] struct {
	tick     int64
	deadline time.Time
	value    T
}

// Wheel is a hashed-wheel timer. A deadline hashes to
// tick(deadline) % capacity; deadlines further out than one full
// rotation are held on an overflow list and migrated into their bucket
// once the wheel advances close enough. Granularity is the bucket
// width; TakeNext's readiness check compares exact deadlines.
//
// A Wheel is safe for concurrent use.
type Wheel[T any] struct {
	mu sync.Mutex

	epoch       time.Time
	granularity time.Duration
	capacity    int

	buckets     []*list.List
	overflow    *list.List
	currentTick int64
}

// New creates a Wheel whose epoch is now, with the given bucket width
// and number of buckets.
func New[T any](now time.Time, granularity time.Duration, capacity int) *Wheel[T] {
	if granularity <= 0 {
		granularity = time.Millisecond
	}
	if capacity <= 0 {
		capacity = 1
	}
	buckets := make([]*list.List, capacity)
	for i := range buckets {
		buckets[i] = list.New()
	}
	return &Wheel[T]{
		epoch:       now,
		granularity: granularity,
		capacity:    capacity,
		buckets:     buckets,
		overflow:    list.New(),
	}
}

func (w *Wheel[T]) tickFor(t time.Time) int64 {
	d := t.Sub(w.epoch)
	if d <= 0 {
		return 0
	}
	return int64(d / w.granularity)
}

// reap must be called with mu held. It moves overflow entries that are
// now within one rotation of currentTick into their proper bucket.
func (w *Wheel[T]) reap() {
	if w.overflow.Len() == 0 {
		return
	}
	var next *list.Element
	for e := w.overflow.Front(); e != nil; e = next {
		next = e.Next()
		it := e.Value.(*entry[T])
		if it.tick-w.currentTick < int64(w.capacity) {
			w.overflow.Remove(e)
			w.buckets[it.tick%int64(w.capacity)].PushBack(it)
		}
	}
}

// Add schedules value to fire at deadline. A value may be scheduled
// more than once; callers that need "at most one" per key (as the
// dispatcher does for connections) are responsible for calling Remove
// first.
func (w *Wheel[T]) Add(deadline time.Time, value T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	it := &entry[T]{tick: w.tickFor(deadline), deadline: deadline, value: value}
	w.reap()
	if it.tick-w.currentTick >= int64(w.capacity) {
		w.overflow.PushBack(it)
		return
	}
	w.buckets[it.tick%int64(w.capacity)].PushBack(it)
}

// Remove deletes the first entry scheduled at exactly deadline for
// which match returns true. It reports whether an entry was removed.
func (w *Wheel[T]) Remove(deadline time.Time, match func(T) bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	tick := w.tickFor(deadline)
	if removed := removeFrom(w.buckets[tick%int64(w.capacity)], deadline, match); removed {
		return true
	}
	return removeFrom(w.overflow, deadline, match)
}

func removeFrom[T any](l *list.List, deadline time.Time, match func(T) bool) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		it := e.Value.(*entry[T])
		if it.deadline.Equal(deadline) && match(it.value) {
			l.Remove(e)
			return true
		}
	}
	return false
}

// TakeNext removes and returns the earliest-scheduled value whose
// deadline is <= now, if any. Ties among entries hashing to the same
// tick are broken in bucket (FIFO) order, which is deterministic but
// otherwise arbitrary, as permitted by the scheduling model.
func (w *Wheel[T]) TakeNext(now time.Time) (value T, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentTick = w.tickFor(now)
	w.reap()

	var bestBucket *list.List
	var bestElem *list.Element
	var bestDeadline time.Time
	found := false

	for _, l := range w.buckets {
		for e := l.Front(); e != nil; e = e.Next() {
			it := e.Value.(*entry[T])
			if it.deadline.After(now) {
				continue
			}
			if !found || it.deadline.Before(bestDeadline) {
				found = true
				bestBucket = l
				bestElem = e
				bestDeadline = it.deadline
			}
		}
	}
	for e := w.overflow.Front(); e != nil; e = e.Next() {
		it := e.Value.(*entry[T])
		if it.deadline.After(now) {
			continue
		}
		if !found || it.deadline.Before(bestDeadline) {
			found = true
			bestBucket = w.overflow
			bestElem = e
			bestDeadline = it.deadline
		}
	}
	if !found {
		var zero T
		return zero, false
	}
	it := bestElem.Value.(*entry[T])
	bestBucket.Remove(bestElem)
	return it.value, true
}

// NextTime returns the earliest deadline currently scheduled, if any.
func (w *Wheel[T]) NextTime() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best time.Time
	found := false
	for _, l := range w.buckets {
		for e := l.Front(); e != nil; e = e.Next() {
			it := e.Value.(*entry[T])
			if !found || it.deadline.Before(best) {
				best = it.deadline
				found = true
			}
		}
	}
	for e := w.overflow.Front(); e != nil; e = e.Next() {
		it := e.Value.(*entry[T])
		if !found || it.deadline.Before(best) {
			best = it.deadline
			found = true
		}
	}
	return best, found
}
