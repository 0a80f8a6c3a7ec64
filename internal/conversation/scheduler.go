package conversation

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a pending timeout.
type Timer interface {
	// Stop cancels the timeout and reports whether it was still pending.
	Stop() bool
}

// Scheduler fires timeouts without blocking the caller.
// Timers are grouped by owner so a finished conversation drops all of its
// timers at once.
type Scheduler interface {
	After(owner string, d time.Duration, fn func()) Timer
	CancelAll(owner string)
	Now() time.Time
}

// TimeoutScheduler runs every timeout of the process on one goroutine.
// Callbacks run on their own goroutines and never under the scheduler lock.
type TimeoutScheduler struct {
	mu      sync.Mutex
	queue   timerHeap                           // queue orders timers by deadline
	byOwner map[string]map[*scheduled]struct{} // byOwner groups pending timers
	seq     uint64                              // seq breaks deadline ties in arming order
	wake    chan struct{}                       // wake signals a new earliest deadline
	stop    chan struct{}
	done    chan struct{}
}

// scheduled is one armed timer.
type scheduled struct {
	s     *TimeoutScheduler
	at    time.Time
	seq   uint64
	owner string
	fn    func()
	index int // index is the heap position, -1 once removed
}

// NewScheduler starts a scheduler.
func NewScheduler() *TimeoutScheduler {
	s := &TimeoutScheduler{
		byOwner: make(map[string]map[*scheduled]struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.run()

	return s
}

// Now returns the current time.
func (s *TimeoutScheduler) Now() time.Time {
	return time.Now()
}

// After arms fn to run once d has elapsed.
func (s *TimeoutScheduler) After(owner string, d time.Duration, fn func()) Timer {
	s.mu.Lock()

	s.seq++
	t := &scheduled{
		s:     s,
		at:    time.Now().Add(d),
		seq:   s.seq,
		owner: owner,
		fn:    fn,
	}

	heap.Push(&s.queue, t)

	if s.byOwner[owner] == nil {
		s.byOwner[owner] = make(map[*scheduled]struct{})
	}
	s.byOwner[owner][t] = struct{}{}

	earliest := s.queue[0] == t
	s.mu.Unlock()

	if earliest {
		s.signal()
	}

	return t
}

// CancelAll stops every pending timer of owner.
func (s *TimeoutScheduler) CancelAll(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t := range s.byOwner[owner] {
		if t.index >= 0 {
			heap.Remove(&s.queue, t.index)
		}
	}

	delete(s.byOwner, owner)
}

// Pending returns the number of armed timers.
func (s *TimeoutScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Close stops the scheduler. Pending timers never fire.
func (s *TimeoutScheduler) Close() {
	close(s.stop)
	<-s.done
}

// Stop cancels t.
func (t *scheduled) Stop() bool {
	s := t.s

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.index < 0 {
		return false
	}

	heap.Remove(&s.queue, t.index)
	s.forget(t)

	return true
}

// forget removes t from its owner group. Caller holds s.mu.
func (s *TimeoutScheduler) forget(t *scheduled) {
	group := s.byOwner[t.owner]
	delete(group, t)

	if len(group) == 0 {
		delete(s.byOwner, t.owner)
	}
}

// signal wakes the run loop.
func (s *TimeoutScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run sleeps until the earliest deadline and fires due timers.
func (s *TimeoutScheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := s.popDue()
		for _, fn := range due {
			go fn()
		}

		timer.Reset(s.nextDelay())

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes and returns the callbacks of expired timers.
func (s *TimeoutScheduler) popDue() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var due []func()
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		t := heap.Pop(&s.queue).(*scheduled)
		s.forget(t)
		due = append(due, t.fn)
	}

	return due
}

// nextDelay returns the time until the earliest deadline.
func (s *TimeoutScheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return time.Hour
	}

	d := time.Until(s.queue[0].at)
	if d < 0 {
		d = 0
	}

	return d
}

// timerHeap is a min-heap of timers by deadline, then arming order.
type timerHeap []*scheduled

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}

	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*scheduled)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]

	return t
}
