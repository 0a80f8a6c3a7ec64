package conversation

import (
	"fmt"

	"bitrepo/internal/wire"
)

// Phase is the state of one pillar within a conversation.
type Phase uint8

// Contributor phases. A contributor only moves to a phase of higher rank,
// except for the retry loop that returns it to PhaseRequested.
const (
	PhaseNotIdentified Phase = iota
	PhaseIdentified
	PhaseIdentifyFailed
	PhaseRequested
	PhaseInProgress
	PhaseComplete
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNotIdentified:
		return "NOT_IDENTIFIED"
	case PhaseIdentified:
		return "IDENTIFIED"
	case PhaseIdentifyFailed:
		return "IDENTIFY_FAILED"
	case PhaseRequested:
		return "REQUESTED"
	case PhaseInProgress:
		return "IN_PROGRESS"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name. Unknown names are rejected.
func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseNotIdentified; c <= PhaseFailed; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}

	return fmt.Errorf("unknown phase %q", b)
}

// rank orders phases for the no-regression rule.
func (p Phase) rank() int {
	switch p {
	case PhaseNotIdentified:
		return 0
	case PhaseIdentified, PhaseIdentifyFailed:
		return 1
	case PhaseRequested:
		return 2
	case PhaseInProgress:
		return 3
	default:
		return 4
	}
}

// IsTerminal reports whether no further message can change the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// settled reports whether p counts toward a verdict.
func (p Phase) settled() bool {
	return p.IsTerminal() || p == PhaseIdentifyFailed
}

// PillarRef names a pillar and the destination it receives requests on.
type PillarRef struct {
	ID          string // ID is the pillar identifier
	Destination string // Destination is the pillar's request queue
}

// OutcomeKind is what a final response did to a contributor.
type OutcomeKind uint8

const (
	OutcomeIgnored  OutcomeKind = iota // OutcomeIgnored means the response did not apply
	OutcomeComplete                    // OutcomeComplete means the pillar succeeded
	OutcomeFailed                      // OutcomeFailed means the pillar failed for good
	OutcomeRetry                       // OutcomeRetry means the request must be sent again
)

// Outcome is the structured result of Contributor.Finish.
type Outcome struct {
	Kind    OutcomeKind // Kind is the effect of the response
	Attempt int         // Attempt is the transmission number for a retry
	Cause   error       // Cause is the failure class for OutcomeFailed
}

// Contributor tracks one pillar through a conversation.
// It is not safe for concurrent use; the owning conversation serializes access.
type Contributor struct {
	pillar      PillarRef         // pillar is the tracked pillar
	phase       Phase             // phase is the current phase
	lastInfo    wire.ResponseInfo // lastInfo is the last response received
	note        string            // note is a locally assigned reason, e.g. "timeout"
	retriesUsed int               // retriesUsed counts retransmissions
	capability  wire.Capability   // capability is what the pillar reported at identification
	result      *wire.Result      // result is the final payload on completion
	cause       error             // cause classifies a failure
}

// newContributor creates a contributor in PhaseNotIdentified.
func newContributor(p PillarRef) *Contributor {
	return &Contributor{pillar: p}
}

// Pillar returns the tracked pillar.
func (c *Contributor) Pillar() PillarRef { return c.pillar }

// Phase returns the current phase.
func (c *Contributor) Phase() Phase { return c.phase }

// IsTerminal reports whether the contributor is COMPLETE or FAILED.
func (c *Contributor) IsTerminal() bool { return c.phase.IsTerminal() }

// Capability returns what the pillar reported at identification.
func (c *Contributor) Capability() wire.Capability { return c.capability }

// LastInfo returns the last response received from the pillar.
func (c *Contributor) LastInfo() wire.ResponseInfo { return c.lastInfo }

// RetriesUsed returns the number of retransmissions so far.
func (c *Contributor) RetriesUsed() int { return c.retriesUsed }

// Identified reports whether the pillar identified positively.
func (c *Contributor) Identified() bool { return c.phase == PhaseIdentified }

// Duplicate reports whether the pillar identified with a duplicate-file answer.
func (c *Contributor) Duplicate() bool {
	return c.lastInfo.Code == wire.CodeDuplicateFile
}

// Identify records an identify response and reports whether it applied.
// Positive and duplicate-file answers identify the pillar; anything else fails it.
func (c *Contributor) Identify(info wire.ResponseInfo, capability wire.Capability) bool {
	if c.phase != PhaseNotIdentified {
		return false
	}

	c.lastInfo = info
	c.capability = capability

	switch info.Code {
	case wire.CodeIdentificationPositive, wire.CodeDuplicateFile:
		c.phase = PhaseIdentified
	default:
		c.phase = PhaseIdentifyFailed
		c.cause = ErrContributorFailure
	}

	return true
}

// identifyTimedOut fails a pillar that never answered identification.
func (c *Contributor) identifyTimedOut() bool {
	if c.phase != PhaseNotIdentified {
		return false
	}

	c.phase = PhaseIdentifyFailed
	c.note = "timeout"
	c.cause = ErrIdentificationTimeout

	return true
}

// Request marks the request as sent.
func (c *Contributor) Request() bool {
	if c.phase != PhaseIdentified {
		return false
	}

	c.phase = PhaseRequested

	return true
}

// Progress records a progress response and reports whether it applied.
func (c *Contributor) Progress(info wire.ResponseInfo) bool {
	if c.phase != PhaseRequested && c.phase != PhaseInProgress {
		return false
	}

	c.lastInfo = info
	c.phase = PhaseInProgress

	return true
}

// Finish applies a final response under the retry budget maxRetries.
func (c *Contributor) Finish(info wire.ResponseInfo, result wire.Result, maxRetries int) Outcome {
	if c.phase != PhaseRequested && c.phase != PhaseInProgress {
		return Outcome{Kind: OutcomeIgnored}
	}

	c.lastInfo = info
	c.note = ""

	switch {
	case info.Code.IsSuccess():
		c.phase = PhaseComplete
		c.result = &result
		return Outcome{Kind: OutcomeComplete}

	case info.Code.IsRetriable() && c.retriesUsed < maxRetries:
		c.retriesUsed++
		c.phase = PhaseRequested
		return Outcome{Kind: OutcomeRetry, Attempt: c.retriesUsed + 1}

	case info.Code.IsRetriable():
		c.phase = PhaseFailed
		c.cause = ErrContributorTransientFailure
		return Outcome{Kind: OutcomeFailed, Cause: c.cause}

	default:
		c.phase = PhaseFailed
		c.cause = causeOf(info.Code)
		return Outcome{Kind: OutcomeFailed, Cause: c.cause}
	}
}

// complete resolves a pillar without a request.
func (c *Contributor) complete(note string) bool {
	if c.phase.rank() >= PhaseComplete.rank() {
		return false
	}

	c.phase = PhaseComplete
	c.note = note

	return true
}

// fail resolves a pillar as failed with a local reason.
func (c *Contributor) fail(note string, cause error) bool {
	if c.phase.IsTerminal() {
		return false
	}

	c.phase = PhaseFailed
	c.note = note
	c.cause = cause

	return true
}

// reason describes the contributor's last state for events and outcomes.
func (c *Contributor) reason() string {
	if c.note != "" {
		return c.note
	}

	return c.lastInfo.String()
}

// outcome snapshots the contributor.
func (c *Contributor) outcome() ContributorOutcome {
	o := ContributorOutcome{
		PillarID: c.pillar.ID,
		Phase:    c.phase,
		Retries:  c.retriesUsed,
	}

	if c.phase != PhaseNotIdentified {
		o.Info = c.reason()
	}

	if c.result != nil {
		r := *c.result
		o.Result = &r
	}

	return o
}

// causeOf maps a fatal response code to a failure class.
func causeOf(code wire.ResponseCode) error {
	if code == wire.CodeDuplicateFile {
		return ErrDuplicateFileConflict
	}

	return ErrContributorFailure
}
