package bus

import (
	"context"
	"sync"
)

// Local is an in-process Transport. Each subscription owns a delivery
// goroutine so a slow handler never blocks publishers or other subscribers.
type Local struct {
	subs   map[string]map[*localSub]struct{} // subs maps destination to its subscriptions
	mu     sync.RWMutex                      // mu protects subs and closed
	closed bool                              // closed is set by Close
}

// localSub is one subscription with its own ordered mailbox.
type localSub struct {
	handler Handler       // handler receives frames
	mu      sync.Mutex    // mu protects queue and done
	queue   [][]byte      // queue holds frames awaiting delivery
	wake    chan struct{} // wake signals that queue is non-empty
	done    bool          // done stops delivery
	once    sync.Once     // once guards the stop channel
	stop    chan struct{} // stop terminates the delivery goroutine
}

// NewLocal creates an in-process transport.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*localSub]struct{})}
}

// Publish queues a copy of data for every subscriber of destination.
func (l *Local) Publish(ctx context.Context, destination string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	for s := range l.subs[destination] {
		frame := make([]byte, len(data))
		copy(frame, data)
		s.push(frame)
	}

	return nil
}

// Subscribe registers h for destination.
func (l *Local) Subscribe(destination string, h Handler) (Unsubscribe, error) {
	s := &localSub{
		handler: h,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}

	if l.subs[destination] == nil {
		l.subs[destination] = make(map[*localSub]struct{})
	}
	l.subs[destination][s] = struct{}{}
	l.mu.Unlock()

	go s.run()

	return func() {
		l.mu.Lock()
		delete(l.subs[destination], s)
		if len(l.subs[destination]) == 0 {
			delete(l.subs, destination)
		}
		l.mu.Unlock()

		s.close()
	}, nil
}

// Subscribers returns the number of subscriptions on destination.
func (l *Local) Subscribers(destination string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.subs[destination])
}

// Close stops all subscriptions.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = make(map[string]map[*localSub]struct{})
	l.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.close()
		}
	}

	return nil
}

// push appends a frame and wakes the delivery goroutine.
func (s *localSub) push(frame []byte) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops delivery. Queued frames are discarded.
func (s *localSub) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.queue = nil
		s.mu.Unlock()

		close(s.stop)
	})
}

// run delivers queued frames in order until the subscription is closed.
func (s *localSub) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.done || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}

			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(frame)
		}
	}
}
