// Package dsa holds the in-memory data structures the runtime schedules on.
package dsa

import (
	"sync"
	"time"
)

// ─── Timer Queue (Min-Heap) ─────────────────────────────────────────────────
// Binary min-heap of deadlines keyed by transfer ID. At most one timer per
// key: scheduling an existing key moves its deadline.
//
// Operations:
//   Schedule: O(log n) (sift up or down)
//   Cancel:   O(log n)
//   PopDue:   O(k log n) for k due timers
//   Next:     O(1)

// Timer is a pending deadline.
type Timer struct {
	Key      string    // transfer ID
	Deadline time.Time // when the timer fires
	seq      uint64    // insertion order, breaks deadline ties
}

// TimerQueue is a thread-safe deadline min-heap. C receives a value whenever
// the earliest deadline may have changed, so a scheduler loop can re-arm.
type TimerQueue struct {
	mu    sync.Mutex
	heap  []Timer
	index map[string]int // key -> position in heap
	seq   uint64
	c     chan struct{}
	now   func() time.Time // injectable clock for testing
}

// NewTimerQueue creates an empty timer queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		index: make(map[string]int),
		c:     make(chan struct{}, 1),
		now:   time.Now,
	}
}

// SetClock replaces the clock used by PopDue and Next.
func (q *TimerQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// C is signalled when the head of the queue changes.
func (q *TimerQueue) C() <-chan struct{} { return q.c }

// Schedule arms (or re-arms) the timer for key.
func (q *TimerQueue) Schedule(key string, deadline time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if i, ok := q.index[key]; ok {
		q.heap[i].Deadline = deadline
		q.heap[i].seq = q.seq
		q.fix(i)
	} else {
		q.heap = append(q.heap, Timer{Key: key, Deadline: deadline, seq: q.seq})
		q.index[key] = len(q.heap) - 1
		q.siftUp(len(q.heap) - 1)
	}
	q.notify()
}

// Cancel disarms the timer for key. Reports whether one was pending.
func (q *TimerQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[key]
	if !ok {
		return false
	}
	q.removeAt(i)
	q.notify()
	return true
}

// PopDue removes and returns every timer whose deadline is not after now,
// earliest first.
func (q *TimerQueue) PopDue() []Timer {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []Timer
	for len(q.heap) > 0 && !q.heap[0].Deadline.After(now) {
		due = append(due, q.heap[0])
		q.removeAt(0)
	}
	return due
}

// Next returns how long until the earliest deadline (zero if overdue) and
// false when the queue is empty.
func (q *TimerQueue) Next() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return 0, false
	}
	d := q.heap[0].Deadline.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Deadline returns the pending deadline for key.
func (q *TimerQueue) Deadline(key string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[key]
	if !ok {
		return time.Time{}, false
	}
	return q.heap[i].Deadline, true
}

// Len returns the number of pending timers.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *TimerQueue) notify() {
	select {
	case q.c <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) removeAt(i int) {
	last := len(q.heap) - 1
	delete(q.index, q.heap[i].Key)
	if i != last {
		q.heap[i] = q.heap[last]
		q.index[q.heap[i].Key] = i
	}
	q.heap = q.heap[:last]
	if i < len(q.heap) {
		q.fix(i)
	}
}

// less returns true if timer i fires before timer j.
func (q *TimerQueue) less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.seq < b.seq
}

func (q *TimerQueue) swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.index[q.heap[i].Key] = i
	q.index[q.heap[j].Key] = j
}

func (q *TimerQueue) fix(i int) {
	if !q.siftUp(i) {
		q.siftDown(i)
	}
}

// siftUp restores heap property after insertion. Reports whether i moved.
func (q *TimerQueue) siftUp(idx int) bool {
	moved := false
	for idx > 0 {
		parent := (idx - 1) / 2
		if !q.less(idx, parent) {
			break
		}
		q.swap(idx, parent)
		idx = parent
		moved = true
	}
	return moved
}

// siftDown restores heap property after extraction.
func (q *TimerQueue) siftDown(idx int) {
	n := len(q.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		q.swap(idx, smallest)
		idx = smallest
	}
}
