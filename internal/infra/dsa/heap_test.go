package dsa

import (
	"fmt"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestTimerQueue_PopDueOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewTimerQueue()
	q.SetClock(fixedClock(base.Add(10 * time.Second)))

	q.Schedule("c", base.Add(3*time.Second))
	q.Schedule("a", base.Add(1*time.Second))
	q.Schedule("late", base.Add(time.Minute))
	q.Schedule("b", base.Add(2*time.Second))

	due := q.PopDue()
	if len(due) != 3 {
		t.Fatalf("PopDue() returned %d timers, want 3", len(due))
	}
	for i, want := range []string{"a", "b", "c"} {
		if due[i].Key != want {
			t.Errorf("due[%d] = %q, want %q", i, due[i].Key, want)
		}
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestTimerQueue_RescheduleReplaces(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewTimerQueue()
	q.SetClock(fixedClock(base))

	q.Schedule("x", base.Add(time.Hour))
	q.Schedule("y", base.Add(2*time.Hour))
	q.Schedule("x", base.Add(3*time.Hour))

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	d, ok := q.Next()
	if !ok || d != 2*time.Hour {
		t.Errorf("Next() = %v, %v, want 2h", d, ok)
	}
	dl, ok := q.Deadline("x")
	if !ok || !dl.Equal(base.Add(3*time.Hour)) {
		t.Errorf("Deadline(x) = %v, %v", dl, ok)
	}
}

func TestTimerQueue_Cancel(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewTimerQueue()
	q.SetClock(fixedClock(base.Add(time.Hour)))

	for i := 0; i < 20; i++ {
		q.Schedule(fmt.Sprintf("k%02d", i), base.Add(time.Duration(20-i)*time.Second))
	}
	for i := 0; i < 20; i += 2 {
		if !q.Cancel(fmt.Sprintf("k%02d", i)) {
			t.Errorf("Cancel(k%02d) = false", i)
		}
	}
	if q.Cancel("missing") {
		t.Error("Cancel(missing) = true")
	}

	due := q.PopDue()
	if len(due) != 10 {
		t.Fatalf("PopDue() returned %d, want 10", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].Deadline.Before(due[i-1].Deadline) {
			t.Errorf("timers out of order at %d", i)
		}
	}
}

func TestTimerQueue_NextEmptyAndOverdue(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewTimerQueue()
	q.SetClock(fixedClock(base))

	if _, ok := q.Next(); ok {
		t.Error("Next() on empty queue reported a timer")
	}
	q.Schedule("old", base.Add(-time.Minute))
	if d, ok := q.Next(); !ok || d != 0 {
		t.Errorf("Next() = %v, %v, want 0, true", d, ok)
	}
}

func TestTimerQueue_Notifies(t *testing.T) {
	q := NewTimerQueue()
	q.Schedule("a", time.Now())
	select {
	case <-q.C():
	default:
		t.Fatal("Schedule did not signal C")
	}
}
