package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitrepo/internal/wire"
)

// TestRegistryRejectsDuplicateIDs checks id uniqueness among live conversations.
func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	r := NewRegistry(time.Minute)

	a := &Conversation{id: "same"}
	b := &Conversation{id: "same"}

	require.NoError(t, r.Register(a))
	assert.ErrorIs(t, r.Register(b), ErrDuplicateCorrelation)

	got, ok := r.Lookup("same")
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Deregister("same")
	assert.False(t, r.Contains("same"))
	assert.NoError(t, r.Register(b), "ids may be reused once deregistered")
}

// TestRegistryDispatchUnknown checks that unroutable messages are dropped.
func TestRegistryDispatchUnknown(t *testing.T) {
	r := NewRegistry(time.Minute)

	msg := &wire.FinalResponse{Header: wire.Header{CorrelationID: "nobody"}, PillarID: "p1"}
	assert.False(t, r.Dispatch(msg))

	r.Register(&Conversation{id: "gone"})
	r.Deregister("gone")

	_, late := r.finished.Get("gone")
	assert.True(t, late, "finished id is remembered")

	msg.CorrelationID = "gone"
	assert.False(t, r.Dispatch(msg))
}

// TestRegistryLive checks the live snapshot.
func TestRegistryLive(t *testing.T) {
	r := NewRegistry(0)

	r.Register(&Conversation{id: "a"})
	r.Register(&Conversation{id: "b"})

	assert.Len(t, r.Live(), 2)
	assert.Equal(t, 2, r.Len())
}

// TestNewEngineValidates checks engine construction.
func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(EngineConfig{Scheduler: newManualScheduler(), ReplyTo: "x"})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{Sender: &recordingSender{}, ReplyTo: "x"})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{Sender: &recordingSender{}, Scheduler: newManualScheduler()})
	assert.Error(t, err)

	e, err := NewEngine(EngineConfig{Sender: &recordingSender{}, Scheduler: newManualScheduler(), ReplyTo: "x"})
	require.NoError(t, err)
	assert.NotNil(t, e.Registry())
}
