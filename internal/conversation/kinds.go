package conversation

import (
	"bytes"
	"fmt"

	"bitrepo/internal/wire"
)

// Resolution settles a contributor at selection time without a request.
type Resolution struct {
	Contributor *Contributor // Contributor is the settled pillar
	Complete    bool         // Complete is true for success, false for failure
	Reason      string       // Reason explains the decision
	Cause       error        // Cause classifies a failure
}

// Selection is the outcome of target selection.
type Selection struct {
	Targets      []*Contributor // Targets receive an OperationRequest
	Participants []*Contributor // Participants count toward the verdict
	Resolved     []Resolution   // Resolved are settled without a request
}

// OperationKind holds the operation-specific parts of the protocol.
type OperationKind struct {
	Operation wire.Operation

	// SelectTargets picks the pillars that receive the real request once
	// identification is resolved. It does not modify contributors.
	SelectTargets func(cs []*Contributor, req *Request) Selection

	// IsAcceptableOutcome turns participant states into a verdict.
	IsAcceptableOutcome func(p Policy, participants []*Contributor) Verdict

	// SinglePillar requires the request to name exactly one pillar.
	SinglePillar bool
}

// KindFor returns the protocol parameters of op.
// Delete and Replace address one named pillar; if that pillar answers
// identification negatively no request is sent and the operation fails
// with ErrNoComponentFound.
func KindFor(op wire.Operation) (OperationKind, error) {
	switch op {
	case wire.OpGet:
		return OperationKind{Operation: op, SelectTargets: selectFastest, IsAcceptableOutcome: Policy.Decide}, nil
	case wire.OpPut:
		return OperationKind{Operation: op, SelectTargets: selectForPut, IsAcceptableOutcome: Policy.Decide}, nil
	case wire.OpDelete, wire.OpReplace:
		return OperationKind{Operation: op, SelectTargets: selectIdentified, IsAcceptableOutcome: Policy.Decide, SinglePillar: true}, nil
	case wire.OpGetFileIDs, wire.OpGetChecksums:
		return OperationKind{Operation: op, SelectTargets: selectIdentified, IsAcceptableOutcome: Policy.Decide}, nil
	default:
		return OperationKind{}, fmt.Errorf("unsupported operation %s", op)
	}
}

// selectFastest picks the identified pillar with the lowest delivery time.
// Ties go to the lexically smaller pillar id. Pillars without an estimate
// are never chosen.
func selectFastest(cs []*Contributor, _ *Request) Selection {
	var best *Contributor

	for _, c := range cs {
		if !c.Identified() || !c.capability.DeliveryKnown {
			continue
		}

		if best == nil ||
			c.capability.DeliveryTime < best.capability.DeliveryTime ||
			(c.capability.DeliveryTime == best.capability.DeliveryTime && c.pillar.ID < best.pillar.ID) {
			best = c
		}
	}

	if best == nil {
		return Selection{}
	}

	return Selection{
		Targets:      []*Contributor{best},
		Participants: []*Contributor{best},
	}
}

// selectForPut targets every identified pillar. A pillar that already holds
// the file is complete when its checksum matches the validation checksum and
// failed otherwise, including when there is nothing to compare.
func selectForPut(cs []*Contributor, req *Request) Selection {
	sel := Selection{Participants: cs}

	for _, c := range cs {
		if !c.Identified() {
			continue
		}

		if !c.Duplicate() {
			sel.Targets = append(sel.Targets, c)
			continue
		}

		existing := c.capability.ExistingChecksum
		if len(existing) > 0 && bytes.Equal(existing, req.ValidationChecksum) {
			sel.Resolved = append(sel.Resolved, Resolution{
				Contributor: c,
				Complete:    true,
				Reason:      "file already present with matching checksum",
			})
			continue
		}

		sel.Resolved = append(sel.Resolved, Resolution{
			Contributor: c,
			Reason:      "duplicate file, checksum mismatch",
			Cause:       ErrDuplicateFileConflict,
		})
	}

	return sel
}

// selectIdentified targets every identified pillar. Delete and Replace are
// narrowed to one pillar before identification, so this sends at most one
// request for them.
func selectIdentified(cs []*Contributor, _ *Request) Selection {
	sel := Selection{Participants: cs}

	for _, c := range cs {
		if c.Identified() {
			sel.Targets = append(sel.Targets, c)
		}
	}

	return sel
}
