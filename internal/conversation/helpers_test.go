package conversation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bitrepo/internal/wire"
)

// manualScheduler is a Scheduler driven by Advance. Callbacks run on the
// goroutine calling Advance.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	owner   string
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *manualScheduler) After(owner string, d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{s: s, owner: owner, at: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, t)

	return t
}

func (s *manualScheduler) CancelAll(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers {
		if t.owner == owner {
			t.stopped = true
		}
	}
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now
}

// Pending counts armed timers.
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

// Advance moves the clock and fires due timers in deadline order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)

	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.at.After(s.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	for _, t := range due {
		t.fn()
	}
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true

	return true
}

// sentMessage is one recorded send.
type sentMessage struct {
	destination string
	msg         wire.Message
}

// recordingSender records every send.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(_ context.Context, destination string, msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, sentMessage{destination, msg})

	return nil
}

// identifies returns the identify requests sent so far.
func (r *recordingSender) identifies() []sentMessage {
	return r.filter(wire.KindIdentifyRequest)
}

// requests returns the operation requests sent so far.
func (r *recordingSender) requests() []*wire.OperationRequest {
	var out []*wire.OperationRequest
	for _, s := range r.filter(wire.KindOperationRequest) {
		out = append(out, s.msg.(*wire.OperationRequest))
	}

	return out
}

// requestsTo returns the operation requests addressed to pillarID.
func (r *recordingSender) requestsTo(pillarID string) []*wire.OperationRequest {
	var out []*wire.OperationRequest
	for _, req := range r.requests() {
		if req.PillarID == pillarID {
			out = append(out, req)
		}
	}

	return out
}

func (r *recordingSender) filter(k wire.Kind) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sentMessage
	for _, s := range r.sent {
		if s.msg.Kind() == k {
			out = append(out, s)
		}
	}

	return out
}

// eventRecorder is a Sink keeping every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []OperationEvent
}

func (r *eventRecorder) Deliver(e OperationEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []OperationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]OperationEvent(nil), r.events...)
}

// types returns the event types in delivery order.
func (r *eventRecorder) types() []EventType {
	var out []EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}

	return out
}

// count returns how many events of type t were delivered.
func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}

	return n
}

// harness wires an engine to a manual scheduler and a recording sender.
type harness struct {
	t        *testing.T
	engine   *Engine
	registry *Registry
	sched    *manualScheduler
	sender   *recordingSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		registry: NewRegistry(time.Minute),
		sched:    newManualScheduler(),
		sender:   &recordingSender{},
	}

	e, err := NewEngine(EngineConfig{
		Registry:  h.registry,
		Sender:    h.sender,
		Scheduler: h.sched,
		ClientID:  "client-1",
		ReplyTo:   "client.client-1",
	})
	require.NoError(t, err)

	h.engine = e

	return h
}

// start begins an operation and returns it with its event recorder.
func (h *harness) start(req Request) (*Conversation, *eventRecorder) {
	h.t.Helper()

	rec := &eventRecorder{}

	c, err := h.engine.Start(req, rec)
	require.NoError(h.t, err)

	return c, rec
}

// wait blocks until c has delivered its terminal event.
func (h *harness) wait(c *Conversation) {
	h.t.Helper()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("conversation %s did not finish, state %s", c.ID(), c.State())
	}
}

// pillars builds refs with queue destinations.
func pillars(ids ...string) []PillarRef {
	refs := make([]PillarRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, PillarRef{ID: id, Destination: "pillar." + id})
	}

	return refs
}

// testPolicy is a strict policy with short timeouts.
func testPolicy() Policy {
	return Policy{
		IdentificationTimeout: 5 * time.Second,
		OperationTimeout:      30 * time.Second,
		MaxRetries:            2,
	}
}

func identify(c *Conversation, pillarID string, code wire.ResponseCode, capability wire.Capability) *wire.IdentifyResponse {
	return &wire.IdentifyResponse{
		Header:     wire.Header{CorrelationID: c.ID(), From: pillarID},
		PillarID:   pillarID,
		Info:       wire.ResponseInfo{Code: code},
		Capability: capability,
	}
}

func positive(c *Conversation, pillarID string) *wire.IdentifyResponse {
	return identify(c, pillarID, wire.CodeIdentificationPositive, wire.Capability{})
}

func progress(c *Conversation, pillarID string) *wire.ProgressResponse {
	return &wire.ProgressResponse{
		Header:   wire.Header{CorrelationID: c.ID(), From: pillarID},
		PillarID: pillarID,
		Info:     wire.ResponseInfo{Code: wire.CodeOperationAccepted, Text: "working"},
	}
}

func final(c *Conversation, pillarID string, code wire.ResponseCode) *wire.FinalResponse {
	return &wire.FinalResponse{
		Header:   wire.Header{CorrelationID: c.ID(), From: pillarID},
		PillarID: pillarID,
		Info:     wire.ResponseInfo{Code: code},
	}
}

func delivery(d time.Duration) wire.Capability {
	return wire.Capability{DeliveryTime: d, DeliveryKnown: true}
}
