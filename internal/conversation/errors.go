package conversation

import "errors"

// Failure causes. A conversation that ends FAILED reports one of these
// through Err; per-pillar causes are visible in the terminal outcomes.
var (
	// ErrIdentificationTimeout means pillars did not identify in time.
	ErrIdentificationTimeout = errors.New("identification timeout")

	// ErrNoComponentFound means no pillar could be asked to do the work.
	ErrNoComponentFound = errors.New("no component found")

	// ErrContributorFailure means a pillar answered with a fatal failure.
	ErrContributorFailure = errors.New("contributor failure")

	// ErrContributorTransientFailure means a pillar kept failing with a
	// retriable code until the retry budget was spent.
	ErrContributorTransientFailure = errors.New("contributor transient failure")

	// ErrOperationTimeout means the operation deadline passed with pillars outstanding.
	ErrOperationTimeout = errors.New("operation timeout")

	// ErrCancelled means the caller aborted the operation.
	ErrCancelled = errors.New("cancelled")

	// ErrDuplicateFileConflict means a pillar already holds a different file under the same id.
	ErrDuplicateFileConflict = errors.New("duplicate file conflict")

	// ErrDuplicateCorrelation is returned by Registry.Register for an id already live.
	ErrDuplicateCorrelation = errors.New("correlation id already registered")
)
