package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitrepo/internal/wire"
)

func completed() wire.ResponseInfo {
	return wire.ResponseInfo{Code: wire.CodeOperationCompleted}
}

// TestContributorLifecycle walks a contributor through the happy path.
func TestContributorLifecycle(t *testing.T) {
	c := newContributor(PillarRef{ID: "p1"})
	assert.Equal(t, PhaseNotIdentified, c.Phase())

	require.True(t, c.Identify(wire.ResponseInfo{Code: wire.CodeIdentificationPositive}, delivery(0)))
	assert.Equal(t, PhaseIdentified, c.Phase())

	require.True(t, c.Request())
	assert.Equal(t, PhaseRequested, c.Phase())

	require.True(t, c.Progress(wire.ResponseInfo{Code: wire.CodeOperationAccepted}))
	assert.Equal(t, PhaseInProgress, c.Phase())

	o := c.Finish(completed(), wire.Result{Checksum: []byte{9}}, 2)
	assert.Equal(t, OutcomeComplete, o.Kind)
	assert.True(t, c.IsTerminal())
	assert.Equal(t, []byte{9}, c.outcome().Result.Checksum)
}

// TestContributorNeverRegresses checks that stale input cannot move a contributor back.
func TestContributorNeverRegresses(t *testing.T) {
	c := newContributor(PillarRef{ID: "p1"})

	c.Identify(wire.ResponseInfo{Code: wire.CodeIdentificationPositive}, wire.Capability{})
	c.Request()
	c.Finish(completed(), wire.Result{}, 2)

	assert.False(t, c.Identify(wire.ResponseInfo{Code: wire.CodeFailure}, wire.Capability{}))
	assert.False(t, c.Request())
	assert.False(t, c.Progress(wire.ResponseInfo{Code: wire.CodeOperationAccepted}))
	assert.Equal(t, OutcomeIgnored, c.Finish(wire.ResponseInfo{Code: wire.CodeFailure}, wire.Result{}, 2).Kind)
	assert.False(t, c.fail("late", ErrOperationTimeout))
	assert.Equal(t, PhaseComplete, c.Phase())
}

// TestContributorFinishBeforeRequest checks that a final answer needs a request.
func TestContributorFinishBeforeRequest(t *testing.T) {
	c := newContributor(PillarRef{ID: "p1"})

	assert.Equal(t, OutcomeIgnored, c.Finish(completed(), wire.Result{}, 0).Kind)
	assert.False(t, c.Progress(wire.ResponseInfo{}))
	assert.False(t, c.Request())
	assert.Equal(t, PhaseNotIdentified, c.Phase())
}

// TestContributorRetryLoop checks the retry self-loop and budget.
func TestContributorRetryLoop(t *testing.T) {
	transient := wire.ResponseInfo{Code: wire.CodeFileTransferFailure}

	c := newContributor(PillarRef{ID: "p1"})
	c.Identify(wire.ResponseInfo{Code: wire.CodeIdentificationPositive}, wire.Capability{})
	c.Request()

	o := c.Finish(transient, wire.Result{}, 2)
	assert.Equal(t, OutcomeRetry, o.Kind)
	assert.Equal(t, 2, o.Attempt)
	assert.Equal(t, PhaseRequested, c.Phase())

	c.Progress(wire.ResponseInfo{Code: wire.CodeOperationAccepted})

	o = c.Finish(transient, wire.Result{}, 2)
	assert.Equal(t, OutcomeRetry, o.Kind)
	assert.Equal(t, 3, o.Attempt)

	o = c.Finish(transient, wire.Result{}, 2)
	assert.Equal(t, OutcomeFailed, o.Kind)
	assert.ErrorIs(t, o.Cause, ErrContributorTransientFailure)
	assert.Equal(t, 2, c.RetriesUsed())
}

// TestContributorFatalCodes checks that non-retriable failures end the contributor.
func TestContributorFatalCodes(t *testing.T) {
	for _, code := range []wire.ResponseCode{wire.CodeFailure, wire.CodeFileNotFound, wire.CodeRequestNotUnderstood, wire.CodeChecksumMismatch} {
		c := newContributor(PillarRef{ID: "p1"})
		c.Identify(wire.ResponseInfo{Code: wire.CodeIdentificationPositive}, wire.Capability{})
		c.Request()

		o := c.Finish(wire.ResponseInfo{Code: code}, wire.Result{}, 5)
		assert.Equal(t, OutcomeFailed, o.Kind, code.String())
		assert.ErrorIs(t, o.Cause, ErrContributorFailure, code.String())
		assert.Zero(t, c.RetriesUsed())
	}
}

// TestContributorIdentifyOutcomes checks which identify answers identify a pillar.
func TestContributorIdentifyOutcomes(t *testing.T) {
	dup := newContributor(PillarRef{ID: "p1"})
	dup.Identify(wire.ResponseInfo{Code: wire.CodeDuplicateFile}, wire.Capability{ExistingChecksum: []byte{1}})
	assert.True(t, dup.Identified())
	assert.True(t, dup.Duplicate())

	neg := newContributor(PillarRef{ID: "p2"})
	neg.Identify(wire.ResponseInfo{Code: wire.CodeFileNotFound, Text: "missing"}, wire.Capability{})
	assert.Equal(t, PhaseIdentifyFailed, neg.Phase())
	assert.Equal(t, "FILE_NOT_FOUND_FAILURE: missing", neg.outcome().Info)

	silent := newContributor(PillarRef{ID: "p3"})
	require.True(t, silent.identifyTimedOut())
	assert.False(t, silent.identifyTimedOut())
	assert.Equal(t, "timeout", silent.outcome().Info)
}

// TestPhaseText checks the textual encoding used by the audit trail.
func TestPhaseText(t *testing.T) {
	out, err := json.Marshal(ContributorOutcome{PillarID: "p1", Phase: PhaseIdentifyFailed})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"IDENTIFY_FAILED"`)

	var back ContributorOutcome
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, PhaseIdentifyFailed, back.Phase)

	var e EventType
	require.NoError(t, e.UnmarshalText([]byte("REQUEST_SENT")))
	assert.Equal(t, EventRequestSent, e)

	var corrupt ContributorOutcome
	assert.Error(t, json.Unmarshal([]byte(`{"pillar":"p1","phase":"HALF_DONE"}`), &corrupt))

	p := PhaseComplete
	assert.Error(t, p.UnmarshalText([]byte("")))
	assert.Equal(t, PhaseComplete, p)
}
