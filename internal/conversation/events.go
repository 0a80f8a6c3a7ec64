package conversation

import (
	"sync"
	"time"

	"bitrepo/internal/wire"
)

// EventType enumerates the lifecycle events of a conversation.
type EventType uint8

// Event types in the order they typically appear.
const (
	EventUnknown EventType = iota
	EventIdentifyRequestSent
	EventComponentIdentified
	EventComponentFailed
	EventIdentifyTimeout
	EventIdentificationComplete
	EventNoComponentFound
	EventRequestSent
	EventProgress
	EventWarning
	EventComponentComplete
	EventComplete
	EventFailed
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventIdentifyRequestSent:
		return "IDENTIFY_REQUEST_SENT"
	case EventComponentIdentified:
		return "COMPONENT_IDENTIFIED"
	case EventComponentFailed:
		return "COMPONENT_FAILED"
	case EventIdentifyTimeout:
		return "IDENTIFY_TIMEOUT"
	case EventIdentificationComplete:
		return "IDENTIFICATION_COMPLETE"
	case EventNoComponentFound:
		return "NO_COMPONENT_FOUND"
	case EventRequestSent:
		return "REQUEST_SENT"
	case EventProgress:
		return "PROGRESS"
	case EventWarning:
		return "WARNING"
	case EventComponentComplete:
		return "COMPONENT_COMPLETE"
	case EventComplete:
		return "COMPLETE"
	case EventFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether t ends a conversation.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventFailed
}

// ContributorOutcome is the final state of one pillar, attached to terminal events.
type ContributorOutcome struct {
	PillarID string       `json:"pillar"`           // PillarID identifies the pillar
	Phase    Phase        `json:"phase"`            // Phase is the pillar's phase when the conversation ended
	Info     string       `json:"info,omitempty"`   // Info is the last response or failure reason
	Retries  int          `json:"retries"`          // Retries is the number of retransmissions
	Result   *wire.Result `json:"result,omitempty"` // Result is the pillar's final payload, if complete
}

// OperationEvent is one immutable entry of a conversation's event stream.
type OperationEvent struct {
	Type          EventType            `json:"type"`
	CorrelationID string               `json:"correlation"`
	Operation     wire.Operation       `json:"operation"`
	PillarID      string               `json:"pillar,omitempty"`
	Info          string               `json:"info,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	Result        *wire.Result         `json:"result,omitempty"`   // Result is set on COMPONENT_COMPLETE
	Outcomes      []ContributorOutcome `json:"outcomes,omitempty"` // Outcomes is set on terminal events
}

// Sink receives the events of a conversation in order.
// Deliver is never called concurrently for one conversation.
type Sink interface {
	Deliver(e OperationEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(OperationEvent)

// Deliver calls f(e).
func (f SinkFunc) Deliver(e OperationEvent) { f(e) }

// discard drops every event.
type discard struct{}

func (discard) Deliver(OperationEvent) {}

// eventQueue buffers events emitted under the conversation lock and hands
// them to the sink from its own goroutine, started by the first push.
// It stops after the terminal event.
type eventQueue struct {
	sink    Sink
	mu      sync.Mutex
	pending []OperationEvent
	wake    chan struct{}
	started bool          // started is set once the delivery goroutine runs
	closed  bool          // closed is set once the terminal event is queued
	drained chan struct{} // drained is closed after the terminal event was delivered
}

// newEventQueue creates a queue delivering to sink.
func newEventQueue(sink Sink) *eventQueue {
	if sink == nil {
		sink = discard{}
	}

	return &eventQueue{
		sink:    sink,
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
}

// push appends e. Events after the terminal one are dropped.
func (q *eventQueue) push(e OperationEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.pending = append(q.pending, e)
	if e.Type.IsTerminal() {
		q.closed = true
	}

	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run delivers events until the terminal one has been handed over.
func (q *eventQueue) run() {
	defer close(q.drained)

	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}

			batch := q.pending
			q.pending = nil
			q.mu.Unlock()

			for _, e := range batch {
				q.sink.Deliver(e)
				if e.Type.IsTerminal() {
					return
				}
			}
		}
	}
}

// MarshalText encodes the event type by name.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes an event type name. Unknown names map to EventUnknown.
func (t *EventType) UnmarshalText(b []byte) error {
	*t = EventUnknown

	for c := EventIdentifyRequestSent; c <= EventFailed; c++ {
		if c.String() == string(b) {
			*t = c
			break
		}
	}

	return nil
}
