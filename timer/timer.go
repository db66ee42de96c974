// Package timer implements the software timers that schedule the index
// pulse and head-step deadlines. Timers live in a deadline-ordered list and
// fire from List.Poll in the caller's context; a callback may re-arm its own
// timer, which is how the index scheduler alternates between its two phases.
package timer

import (
	"sync"

	"github.com/sergev/floppy-emu/systick"
)

// Timer is a single software timer. Initialise with List.Init before use.
type Timer struct {
	fn       func()
	deadline systick.Time
	armed    bool
	next     *Timer
}

// Deadline returns the deadline the timer last fired at or is armed for.
// Re-arming relative to this value, rather than to "now", keeps periodic
// schedules drift-free.
func (t *Timer) Deadline() systick.Time {
	return t.deadline
}

// List holds armed timers in deadline order.
type List struct {
	mu   sync.Mutex
	head *Timer
}

// Init binds a callback to the timer. The timer starts disarmed.
func (l *List) Init(t *Timer, fn func()) {
	t.fn = fn
	t.armed = false
}

// Set arms the timer for the given absolute deadline, replacing any
// previous deadline.
func (l *List) Set(t *Timer, deadline systick.Time) {
	l.mu.Lock()
	if t.armed {
		l.unlink(t)
	}
	t.deadline = deadline
	t.armed = true
	l.insert(t)
	l.mu.Unlock()
}

// Cancel disarms the timer. Cancelling a disarmed timer is a no-op.
func (l *List) Cancel(t *Timer) {
	l.mu.Lock()
	if t.armed {
		l.unlink(t)
		t.armed = false
	}
	l.mu.Unlock()
}

// Poll fires every timer whose deadline is at or before now, in deadline
// order. Callbacks run without the list lock held and may Set or Cancel
// timers, including their own.
func (l *List) Poll(now systick.Time) {
	for {
		l.mu.Lock()
		t := l.head
		if t == nil || t.deadline > now {
			l.mu.Unlock()
			return
		}
		l.head = t.next
		t.next = nil
		t.armed = false
		l.mu.Unlock()
		t.fn()
	}
}

// Next returns the earliest armed deadline and whether any timer is armed.
func (l *List) Next() (systick.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return 0, false
	}
	return l.head.deadline, true
}

func (l *List) insert(t *Timer) {
	p := &l.head
	for *p != nil && (*p).deadline <= t.deadline {
		p = &(*p).next
	}
	t.next = *p
	*p = t
}

func (l *List) unlink(t *Timer) {
	for p := &l.head; *p != nil; p = &(*p).next {
		if *p == t {
			*p = t.next
			t.next = nil
			return
		}
	}
}
