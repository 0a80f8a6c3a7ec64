package audit

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitrepo/internal/conversation"
	"bitrepo/internal/wire"
)

// openTestTrail opens a trail in a temporary directory.
func openTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "audit")

	tr, err := Open(dir)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}

	return tr, dir
}

func event(id string, typ conversation.EventType, at time.Time) conversation.OperationEvent {
	return conversation.OperationEvent{
		Type:          typ,
		CorrelationID: id,
		Operation:     wire.OpPut,
		Timestamp:     at,
	}
}

// TestRecordAndReadBack tests ordered storage of one conversation.
func TestRecordAndReadBack(t *testing.T) {
	tr, _ := openTestTrail(t)
	defer tr.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	types := []conversation.EventType{
		conversation.EventIdentifyRequestSent,
		conversation.EventComponentIdentified,
		conversation.EventIdentificationComplete,
		conversation.EventRequestSent,
		conversation.EventComponentComplete,
		conversation.EventComplete,
	}

	for i, typ := range types {
		e := event("c1", typ, now.Add(time.Duration(i)*time.Second))
		if typ == conversation.EventComplete {
			e.Outcomes = []conversation.ContributorOutcome{{PillarID: "p1", Phase: conversation.PhaseComplete}}
		}

		if err := tr.Record(e); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	if err := tr.Record(event("c2", conversation.EventIdentifyRequestSent, now)); err != nil {
		t.Fatalf("record other: %v", err)
	}

	got, err := tr.Events("c1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	if len(got) != len(types) {
		t.Fatalf("got %d events, want %d", len(got), len(types))
	}

	for i, e := range got {
		if e.Type != types[i] {
			t.Errorf("event %d: got %s, want %s", i, e.Type, types[i])
		}
	}

	last := got[len(got)-1]
	if len(last.Outcomes) != 1 || last.Outcomes[0].Phase != conversation.PhaseComplete {
		t.Errorf("outcomes not preserved: %+v", last.Outcomes)
	}

	sum, err := tr.Summary("c1")
	if err != nil || sum == nil {
		t.Fatalf("summary: %v %v", sum, err)
	}

	if sum.Events != len(types) || sum.Outcome != "COMPLETE" || !sum.Started.Equal(now) {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

// TestSequenceSurvivesReopen tests that numbering continues after a restart.
func TestSequenceSurvivesReopen(t *testing.T) {
	tr, dir := openTestTrail(t)

	now := time.Now().UTC()
	tr.Record(event("c1", conversation.EventIdentifyRequestSent, now))
	tr.Record(event("c1", conversation.EventComponentIdentified, now))

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	tr, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr.Close()

	tr.Record(event("c1", conversation.EventFailed, now))

	got, _ := tr.Events("c1")
	if len(got) != 3 || got[2].Type != conversation.EventFailed {
		t.Fatalf("got %d events after reopen", len(got))
	}
}

// TestSinkForwards tests that the tee records and forwards in order.
func TestSinkForwards(t *testing.T) {
	tr, _ := openTestTrail(t)
	defer tr.Close()

	var (
		mu   sync.Mutex
		seen []conversation.EventType
	)

	sink := tr.Sink(conversation.SinkFunc(func(e conversation.OperationEvent) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}))

	now := time.Now().UTC()
	sink.Deliver(event("c1", conversation.EventIdentifyRequestSent, now))
	sink.Deliver(event("c1", conversation.EventFailed, now))

	if len(seen) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(seen))
	}

	stored, _ := tr.Events("c1")
	if len(stored) != 2 {
		t.Fatalf("stored %d events, want 2", len(stored))
	}

	tr.Sink(nil).Deliver(event("c3", conversation.EventFailed, now))
}

// TestSummariesAndPurge tests listing and removal.
func TestSummariesAndPurge(t *testing.T) {
	tr, _ := openTestTrail(t)
	defer tr.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Record(event("late", conversation.EventIdentifyRequestSent, base.Add(time.Hour)))
	tr.Record(event("early", conversation.EventIdentifyRequestSent, base))

	sums, err := tr.Summaries()
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}

	if len(sums) != 2 || sums[0].CorrelationID != "early" {
		t.Fatalf("unexpected summaries: %+v", sums)
	}

	if err := tr.Purge("early"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if got, _ := tr.Events("early"); len(got) != 0 {
		t.Errorf("events left after purge: %d", len(got))
	}

	if s, _ := tr.Summary("early"); s != nil {
		t.Error("summary left after purge")
	}
}

// TestRecordRequiresCorrelation tests input validation.
func TestRecordRequiresCorrelation(t *testing.T) {
	tr, _ := openTestTrail(t)
	defer tr.Close()

	if err := tr.Record(conversation.OperationEvent{Type: conversation.EventFailed}); err == nil {
		t.Error("expected error for empty correlation id")
	}
}
