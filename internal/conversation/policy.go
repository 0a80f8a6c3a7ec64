package conversation

import (
	"fmt"
	"time"
)

const (
	// DefaultIdentificationTimeout bounds the identify phase.
	DefaultIdentificationTimeout = 10 * time.Second

	// DefaultOperationTimeout bounds the request phase.
	DefaultOperationTimeout = time.Minute

	// DefaultMaxRetries is the per-pillar retransmission budget.
	DefaultMaxRetries = 2
)

// Policy configures timeouts, retries and the success rule of a conversation.
type Policy struct {
	IdentificationTimeout time.Duration // IdentificationTimeout bounds the identify phase
	OperationTimeout      time.Duration // OperationTimeout bounds the request phase
	MaxRetries            int           // MaxRetries is the retransmission budget per pillar
	PartialResultsAllowed bool          // PartialResultsAllowed accepts one success instead of all
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		IdentificationTimeout: DefaultIdentificationTimeout,
		OperationTimeout:      DefaultOperationTimeout,
		MaxRetries:            DefaultMaxRetries,
	}
}

// withDefaults fills zero timeouts.
func (p Policy) withDefaults() Policy {
	if p.IdentificationTimeout <= 0 {
		p.IdentificationTimeout = DefaultIdentificationTimeout
	}

	if p.OperationTimeout <= 0 {
		p.OperationTimeout = DefaultOperationTimeout
	}

	return p
}

// Validate rejects negative retry budgets.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: %d", p.MaxRetries)
	}

	return nil
}

// Verdict is the operation-level decision of the completion policy.
type Verdict uint8

const (
	VerdictPending  Verdict = iota // VerdictPending means participants are still working
	VerdictComplete                // VerdictComplete means the operation succeeded
	VerdictFailed                  // VerdictFailed means the operation failed
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictComplete:
		return "COMPLETE"
	case VerdictFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// identificationResolved reports whether every contributor has answered
// identification, positively or not.
func identificationResolved(cs []*Contributor) bool {
	for _, c := range cs {
		if c.phase == PhaseNotIdentified {
			return false
		}
	}

	return true
}

// Decide applies the shared success rule to the participants of an operation.
// It is pending while any participant is unsettled. With no participants the
// operation has failed. Otherwise strict mode needs every participant
// complete and partial mode needs at least one.
func (p Policy) Decide(participants []*Contributor) Verdict {
	if len(participants) == 0 {
		return VerdictFailed
	}

	complete := 0

	for _, c := range participants {
		if !c.phase.settled() {
			return VerdictPending
		}

		if c.phase == PhaseComplete {
			complete++
		}
	}

	if p.PartialResultsAllowed {
		if complete > 0 {
			return VerdictComplete
		}
		return VerdictFailed
	}

	if complete == len(participants) {
		return VerdictComplete
	}

	return VerdictFailed
}
