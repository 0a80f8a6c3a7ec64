// Package conversation coordinates one file operation across the pillars of
// a collection.
//
// A conversation broadcasts an identify request, waits for the pillars to
// answer or for the identification timeout, selects the pillars that do the
// work, sends them the operation request and folds their answers into one
// verdict. Every step is driven by a message or timer callback; nothing in
// this package blocks on the network.
package conversation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitrepo/internal/wire"
)

// sendTimeout bounds one outbound publish.
const sendTimeout = 10 * time.Second

// State is the operation-level phase of a conversation.
type State uint8

// Conversation states. Complete and Failed are terminal.
const (
	StateIdentifying State = iota
	StateIdentificationComplete
	StateRequesting
	StateFinishing
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdentifying:
		return "IDENTIFYING"
	case StateIdentificationComplete:
		return "IDENTIFICATION_COMPLETE"
	case StateRequesting:
		return "REQUESTING"
	case StateFinishing:
		return "FINISHING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Request describes one operation to start.
type Request struct {
	Operation    wire.Operation // Operation is the file operation
	CollectionID string         // CollectionID is the targeted collection

	// CollectionTopic, when set, receives a single identify broadcast.
	// Otherwise each pillar is asked on its own destination.
	CollectionTopic string

	FileID  string      // FileID is the file concerned, empty for collection-wide listings
	Pillars []PillarRef // Pillars are the pillars taking part
	Policy  Policy      // Policy configures timeouts, retries and the success rule

	Data               []byte // Data is the file content (Put, Replace)
	FileAddress        string // FileAddress optionally points at an external copy of the content
	ValidationChecksum []byte // ValidationChecksum is the checksum of the new content
	ExistingChecksum   []byte // ExistingChecksum is the checksum of the file being removed
}

// outbound is a message to send once the conversation lock is released.
type outbound struct {
	destination string
	msg         wire.Message
}

// Conversation is the live state of one operation.
// All mutations happen under mu; sends happen after mu is released.
type Conversation struct {
	id     string
	kind   OperationKind
	req    Request
	policy Policy
	engine *Engine
	log    *slog.Logger
	events *eventQueue

	mu            sync.Mutex
	contributors  []*Contributor            // contributors are in request order
	byPillar      map[string]*Contributor   // byPillar indexes contributors by pillar id
	selection     *Selection                // selection is set once identification is resolved
	identifyTimer Timer                     // identifyTimer is the pending identification timeout
	cancelled     bool                      // cancelled is set by Cancel
	timedOut      bool                      // timedOut is set by the operation timeout
	finished      bool                      // finished guards the single terminal event
	verdict       Verdict                   // verdict is the final verdict once finished
	err           error                     // err is the failure cause once finished
	startedAt     time.Time                 // startedAt is when the conversation began
}

// ID returns the correlation id.
func (c *Conversation) ID() string { return c.id }

// Operation returns the operation being coordinated.
func (c *Conversation) Operation() wire.Operation { return c.kind.Operation }

// Done is closed once the terminal event has been delivered to the sink.
func (c *Conversation) Done() <-chan struct{} { return c.events.drained }

// State returns the operation-level phase, derived from the contributors.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stateLocked()
}

// Verdict returns the final verdict, or VerdictPending while running.
func (c *Conversation) Verdict() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.verdict
}

// Err returns the failure cause of a FAILED conversation, nil otherwise.
func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Outcomes returns a snapshot of every contributor.
func (c *Conversation) Outcomes() []ContributorOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outcomesLocked()
}

// Handle applies an inbound message. Stale and unknown input is ignored.
func (c *Conversation) Handle(msg wire.Message) {
	c.mu.Lock()

	if c.finished {
		c.mu.Unlock()
		c.log.Debug("message after finish dropped", "kind", msg.Kind(), "from", msg.Head().From)
		return
	}

	var out []outbound

	switch m := msg.(type) {
	case *wire.IdentifyResponse:
		out = c.onIdentifyResponse(m)
	case *wire.ProgressResponse:
		c.onProgress(m)
	case *wire.FinalResponse:
		out = c.onFinalResponse(m)
	default:
		c.log.Debug("unexpected message kind", "kind", msg.Kind())
	}

	c.mu.Unlock()

	c.flush(out)
}

// Cancel aborts the conversation. It reports false if it had already finished.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return false
	}

	c.cancelled = true

	for _, ct := range c.contributors {
		if ct.phase.settled() || !c.isParticipant(ct) {
			continue
		}

		if ct.fail("cancelled", ErrCancelled) {
			c.emit(EventComponentFailed, ct.pillar.ID, "cancelled")
		}
	}

	c.finish(VerdictFailed, ErrCancelled, "cancelled")

	return true
}

// begin arms the identification timer and returns the identify requests.
func (c *Conversation) begin() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identifyTimer = c.engine.scheduler.After(c.id, c.policy.IdentificationTimeout, c.onIdentifyTimeout)

	var out []outbound

	if c.req.CollectionTopic != "" {
		out = append(out, outbound{c.req.CollectionTopic, c.identifyRequest()})
	} else {
		for _, ct := range c.contributors {
			out = append(out, outbound{ct.pillar.Destination, c.identifyRequest()})
		}
	}

	c.emit(EventIdentifyRequestSent, "", fmt.Sprintf("identifying %d pillar(s) of %s", len(c.contributors), c.req.CollectionID))

	return out
}

// failEmpty ends a conversation that has no pillar to ask.
func (c *Conversation) failEmpty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(EventNoComponentFound, "", "no pillars configured")
	c.finish(VerdictFailed, ErrNoComponentFound, "no component found")
}

// onIdentifyResponse records an identification answer.
func (c *Conversation) onIdentifyResponse(m *wire.IdentifyResponse) []outbound {
	if c.selection != nil {
		c.log.Debug("identify response after selection dropped", "pillar", m.PillarID)
		return nil
	}

	ct := c.byPillar[m.PillarID]
	if ct == nil {
		c.log.Debug("identify response from unknown pillar dropped", "pillar", m.PillarID)
		return nil
	}

	if !ct.Identify(m.Info, m.Capability) {
		c.log.Debug("duplicate identify response dropped", "pillar", m.PillarID)
		return nil
	}

	if ct.Identified() {
		c.emit(EventComponentIdentified, ct.pillar.ID, m.Info.String())
	} else {
		c.emit(EventComponentFailed, ct.pillar.ID, m.Info.String())
	}

	if !identificationResolved(c.contributors) {
		return nil
	}

	return c.resolveIdentification()
}

// onIdentifyTimeout fails every silent pillar and resolves identification.
func (c *Conversation) onIdentifyTimeout() {
	c.mu.Lock()

	if c.finished || c.selection != nil {
		c.mu.Unlock()
		return
	}

	c.emit(EventIdentifyTimeout, "", fmt.Sprintf("identification timed out after %s", c.policy.IdentificationTimeout))

	for _, ct := range c.contributors {
		if ct.identifyTimedOut() {
			c.emit(EventComponentFailed, ct.pillar.ID, "timeout")
		}
	}

	out := c.resolveIdentification()
	c.mu.Unlock()

	c.flush(out)
}

// resolveIdentification selects the targets and returns their requests.
func (c *Conversation) resolveIdentification() []outbound {
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}

	identified := 0
	for _, ct := range c.contributors {
		if ct.Identified() {
			identified++
		}
	}

	c.emit(EventIdentificationComplete, "", fmt.Sprintf("%d of %d pillar(s) identified", identified, len(c.contributors)))

	sel := c.kind.SelectTargets(c.contributors, &c.req)
	c.selection = &sel

	for _, r := range sel.Resolved {
		if r.Complete {
			if r.Contributor.complete(r.Reason) {
				c.emit(EventComponentComplete, r.Contributor.pillar.ID, r.Reason)
			}
			continue
		}

		if r.Contributor.fail(r.Reason, r.Cause) {
			c.emit(EventComponentFailed, r.Contributor.pillar.ID, r.Reason)
		}
	}

	if len(sel.Targets) == 0 {
		if len(sel.Resolved) > 0 {
			c.evaluate()
			return nil
		}

		cause := ErrNoComponentFound
		if c.anyIdentifyTimeout() {
			cause = ErrIdentificationTimeout
		}

		c.emit(EventNoComponentFound, "", "no pillar can perform the operation")
		c.finish(VerdictFailed, cause, "no component found")

		return nil
	}

	out := make([]outbound, 0, len(sel.Targets))

	for _, ct := range sel.Targets {
		ct.Request()
		out = append(out, outbound{ct.pillar.Destination, c.operationRequest(ct, 1)})
		c.emit(EventRequestSent, ct.pillar.ID, "attempt 1")
	}

	c.engine.scheduler.After(c.id, c.policy.OperationTimeout, c.onOperationTimeout)

	return out
}

// onProgress records a progress answer.
func (c *Conversation) onProgress(m *wire.ProgressResponse) {
	ct := c.byPillar[m.PillarID]
	if c.selection == nil || ct == nil {
		c.log.Debug("progress response dropped", "pillar", m.PillarID)
		return
	}

	if !ct.Progress(m.Info) {
		c.log.Debug("stale progress response dropped", "pillar", m.PillarID, "phase", ct.phase)
		return
	}

	c.emit(EventProgress, ct.pillar.ID, m.Info.String())
}

// onFinalResponse applies the retry and duplicate rules to a final answer.
func (c *Conversation) onFinalResponse(m *wire.FinalResponse) []outbound {
	ct := c.byPillar[m.PillarID]
	if c.selection == nil || ct == nil {
		c.log.Debug("final response dropped", "pillar", m.PillarID)
		return nil
	}

	info := c.duplicatePolicy(m)

	o := ct.Finish(info, m.Result, c.policy.MaxRetries)

	switch o.Kind {
	case OutcomeIgnored:
		c.log.Debug("stale final response dropped", "pillar", m.PillarID, "phase", ct.phase)
		return nil

	case OutcomeRetry:
		c.emit(EventWarning, ct.pillar.ID, fmt.Sprintf("%s, retrying (attempt %d)", info, o.Attempt))
		return []outbound{{ct.pillar.Destination, c.operationRequest(ct, o.Attempt)}}

	case OutcomeComplete:
		r := m.Result
		c.emitResult(EventComponentComplete, ct.pillar.ID, info.String(), &r)

	case OutcomeFailed:
		c.emit(EventComponentFailed, ct.pillar.ID, info.String())
	}

	c.evaluate()

	return nil
}

// duplicatePolicy maps a Put duplicate-file answer to success when the
// stored checksum matches the validation checksum, and to a conflict otherwise.
func (c *Conversation) duplicatePolicy(m *wire.FinalResponse) wire.ResponseInfo {
	if c.kind.Operation != wire.OpPut || m.Info.Code != wire.CodeDuplicateFile {
		return m.Info
	}

	stored := m.Result.Checksum
	if len(stored) > 0 && bytes.Equal(stored, c.req.ValidationChecksum) {
		return wire.ResponseInfo{Code: wire.CodeOperationCompleted, Text: "file already present with matching checksum"}
	}

	return wire.ResponseInfo{Code: wire.CodeDuplicateFile, Text: "duplicate file, checksum mismatch"}
}

// onOperationTimeout fails every unsettled participant and forces a verdict.
func (c *Conversation) onOperationTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished || c.selection == nil {
		return
	}

	c.timedOut = true

	for _, ct := range c.selection.Participants {
		if ct.phase.settled() {
			continue
		}

		if ct.fail("operation timeout", ErrOperationTimeout) {
			c.emit(EventComponentFailed, ct.pillar.ID, "operation timeout")
		}
	}

	c.evaluate()
}

// evaluate asks the completion policy for a verdict and finishes on one.
func (c *Conversation) evaluate() {
	if c.finished || c.selection == nil {
		return
	}

	switch c.kind.IsAcceptableOutcome(c.policy, c.selection.Participants) {
	case VerdictComplete:
		c.finish(VerdictComplete, nil, "operation complete")
	case VerdictFailed:
		c.finish(VerdictFailed, c.failureCause(), c.failureSummary())
	}
}

// finish emits the single terminal event and releases the conversation.
func (c *Conversation) finish(v Verdict, cause error, info string) {
	if c.finished {
		return
	}

	c.finished = true
	c.verdict = v
	c.err = cause

	c.engine.scheduler.CancelAll(c.id)
	c.engine.registry.Deregister(c.id)

	typ := EventComplete
	if v != VerdictComplete {
		typ = EventFailed
	}

	e := c.event(typ, "", info)
	e.Outcomes = c.outcomesLocked()
	c.events.push(e)

	c.log.Info("operation finished",
		"verdict", v,
		"pillars", len(c.contributors),
		"error", cause,
		"duration", time.Since(c.startedAt).Round(time.Millisecond),
	)
}

// failureCause picks the error reported for a FAILED verdict.
func (c *Conversation) failureCause() error {
	if c.cancelled {
		return ErrCancelled
	}

	if c.timedOut {
		return ErrOperationTimeout
	}

	for _, ct := range c.selection.Participants {
		if ct.phase != PhaseComplete && ct.cause != nil {
			return ct.cause
		}
	}

	return ErrContributorFailure
}

// failureSummary describes how many participants failed.
func (c *Conversation) failureSummary() string {
	failed := 0
	for _, ct := range c.selection.Participants {
		if ct.phase != PhaseComplete {
			failed++
		}
	}

	return fmt.Sprintf("%d of %d pillar(s) failed", failed, len(c.selection.Participants))
}

// anyIdentifyTimeout reports whether a pillar failed identification by timeout.
func (c *Conversation) anyIdentifyTimeout() bool {
	for _, ct := range c.contributors {
		if ct.cause == ErrIdentificationTimeout {
			return true
		}
	}

	return false
}

// isParticipant reports whether ct counts toward the verdict.
// Before selection every contributor may still take part.
func (c *Conversation) isParticipant(ct *Contributor) bool {
	if c.selection == nil {
		return true
	}

	for _, p := range c.selection.Participants {
		if p == ct {
			return true
		}
	}

	return false
}

// stateLocked derives the operation-level phase.
func (c *Conversation) stateLocked() State {
	if c.finished {
		if c.verdict == VerdictComplete {
			return StateComplete
		}
		return StateFailed
	}

	if c.selection == nil {
		if identificationResolved(c.contributors) {
			return StateIdentificationComplete
		}
		return StateIdentifying
	}

	for _, ct := range c.selection.Targets {
		if ct.phase == PhaseRequested {
			return StateRequesting
		}
	}

	return StateFinishing
}

// outcomesLocked snapshots every contributor.
func (c *Conversation) outcomesLocked() []ContributorOutcome {
	out := make([]ContributorOutcome, 0, len(c.contributors))
	for _, ct := range c.contributors {
		out = append(out, ct.outcome())
	}

	return out
}

// header returns the common header of outbound messages.
func (c *Conversation) header() wire.Header {
	return wire.Header{
		CorrelationID: c.id,
		From:          c.engine.clientID,
		ReplyTo:       c.engine.replyTo,
		Operation:     c.kind.Operation,
	}
}

// identifyRequest builds an identify request.
func (c *Conversation) identifyRequest() *wire.IdentifyRequest {
	return &wire.IdentifyRequest{
		Header:       c.header(),
		CollectionID: c.req.CollectionID,
		FileID:       c.req.FileID,
	}
}

// operationRequest builds the request for ct.
func (c *Conversation) operationRequest(ct *Contributor, attempt int) *wire.OperationRequest {
	return &wire.OperationRequest{
		Header:             c.header(),
		PillarID:           ct.pillar.ID,
		CollectionID:       c.req.CollectionID,
		FileID:             c.req.FileID,
		Attempt:            uint32(attempt),
		Data:               c.req.Data,
		FileAddress:        c.req.FileAddress,
		ValidationChecksum: c.req.ValidationChecksum,
		ExistingChecksum:   c.req.ExistingChecksum,
	}
}

// event builds an event stamped with the scheduler clock.
func (c *Conversation) event(t EventType, pillarID, info string) OperationEvent {
	return OperationEvent{
		Type:          t,
		CorrelationID: c.id,
		Operation:     c.kind.Operation,
		PillarID:      pillarID,
		Info:          info,
		Timestamp:     c.engine.scheduler.Now().UTC(),
	}
}

// emit queues an event for the sink.
func (c *Conversation) emit(t EventType, pillarID, info string) {
	c.emitResult(t, pillarID, info, nil)
}

// emitResult queues an event carrying a pillar result.
func (c *Conversation) emitResult(t EventType, pillarID, info string, r *wire.Result) {
	e := c.event(t, pillarID, info)
	e.Result = r

	c.log.Debug("event", "type", t, "pillar", pillarID, "info", info)
	c.events.push(e)
}

// flush sends outbound messages. Failures are logged; the timeouts settle
// pillars that never receive their request.
func (c *Conversation) flush(out []outbound) {
	for _, o := range out {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := c.engine.sender.Send(ctx, o.destination, o.msg)
		cancel()

		if err != nil {
			c.log.Warn("send failed", "destination", o.destination, "kind", o.msg.Kind(), "error", err)
		}
	}
}
