// Package audit keeps a durable trail of conversation events.
//
// Every event is stored under a:<correlation>:<seq> so the events of one
// operation read back in emission order. A summary per operation is kept
// under s:<correlation> and updated by the terminal event.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitrepo/internal/conversation"
	"bitrepo/internal/logger"
	"bitrepo/internal/storage"
	"bitrepo/internal/wire"
)

const (
	eventPrefix   = "a:"
	summaryPrefix = "s:"
)

// Summary is the one-line record of an audited operation.
type Summary struct {
	CorrelationID string         `json:"correlation"`
	Operation     wire.Operation `json:"operation"`
	Started       time.Time      `json:"started"`
	Finished      time.Time      `json:"finished,omitzero"`
	Outcome       string         `json:"outcome,omitempty"` // Outcome is COMPLETE or FAILED once finished
	Info          string         `json:"info,omitempty"`
	Events        int            `json:"events"`
}

// Trail records conversation events in a pebble store.
type Trail struct {
	store *storage.Storage
	own   bool // own is true when Close must close store

	mu  sync.Mutex
	seq map[string]uint64 // seq is the next sequence number per live correlation id
}

// Open opens a trail stored at path.
func Open(path string) (*Trail, error) {
	s, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open audit store:\n%w", err)
	}

	t := New(s)
	t.own = true

	return t, nil
}

// New creates a trail on an existing store.
func New(s *storage.Storage) *Trail {
	return &Trail{
		store: s,
		seq:   make(map[string]uint64),
	}
}

// Record appends e to the trail of its conversation.
func (t *Trail) Record(e conversation.OperationEvent) error {
	if e.CorrelationID == "" {
		return fmt.Errorf("event without correlation id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq, err := t.nextSeq(e.CorrelationID)
	if err != nil {
		return err
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event:\n%w", err)
	}

	sum, err := t.summaryLocked(e.CorrelationID)
	if err != nil {
		return err
	}

	if sum == nil {
		sum = &Summary{CorrelationID: e.CorrelationID, Operation: e.Operation, Started: e.Timestamp}
	}

	sum.Events++
	if e.Type.IsTerminal() {
		sum.Finished = e.Timestamp
		sum.Outcome = e.Type.String()
		sum.Info = e.Info
	}

	sumValue, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary:\n%w", err)
	}

	err = t.store.SetBatch([]storage.KeyValue{
		{Key: eventKey(e.CorrelationID, seq), Value: value},
		{Key: summaryKey(e.CorrelationID), Value: sumValue},
	})
	if err != nil {
		return fmt.Errorf("store event:\n%w", err)
	}

	if e.Type.IsTerminal() {
		delete(t.seq, e.CorrelationID)
	} else {
		t.seq[e.CorrelationID] = seq + 1
	}

	return nil
}

// Events returns the recorded events of a conversation in order.
func (t *Trail) Events(correlationID string) ([]conversation.OperationEvent, error) {
	var out []conversation.OperationEvent

	err := t.store.IteratePrefix(eventPrefixFor(correlationID), func(_, value []byte) error {
		var e conversation.OperationEvent
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode event:\n%w", err)
		}

		out = append(out, e)

		return nil
	})

	return out, err
}

// Summary returns the summary of one conversation, or nil if unknown.
func (t *Trail) Summary(correlationID string) (*Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.summaryLocked(correlationID)
}

// Summaries returns every audited operation, oldest first.
func (t *Trail) Summaries() ([]Summary, error) {
	var out []Summary

	err := t.store.IteratePrefix([]byte(summaryPrefix), func(_, value []byte) error {
		var s Summary
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode summary:\n%w", err)
		}

		out = append(out, s)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })

	return out, nil
}

// Purge removes the trail of a conversation.
func (t *Trail) Purge(correlationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.seq, correlationID)

	if err := t.store.DeletePrefix(eventPrefixFor(correlationID)); err != nil {
		return err
	}

	return t.store.Delete(summaryKey(correlationID))
}

// Sink returns a sink that records every event and then forwards it to next.
// A failed write is logged and does not stop delivery.
func (t *Trail) Sink(next conversation.Sink) conversation.Sink {
	return conversation.SinkFunc(func(e conversation.OperationEvent) {
		if err := t.Record(e); err != nil {
			logger.Warn("audit record failed", "correlation", e.CorrelationID, "event", e.Type, "error", err)
		}

		if next != nil {
			next.Deliver(e)
		}
	})
}

// Close closes the store if the trail opened it.
func (t *Trail) Close() error {
	if !t.own {
		return nil
	}

	return t.store.Close()
}

// nextSeq returns the sequence number for the next event of id.
// After a restart the count of stored events is the next number.
func (t *Trail) nextSeq(id string) (uint64, error) {
	if seq, ok := t.seq[id]; ok {
		return seq, nil
	}

	n, err := t.store.CountPrefix(eventPrefixFor(id))
	if err != nil {
		return 0, fmt.Errorf("count events:\n%w", err)
	}

	return uint64(n), nil
}

// summaryLocked loads a summary. Caller holds t.mu.
func (t *Trail) summaryLocked(id string) (*Summary, error) {
	raw, err := t.store.Get(summaryKey(id))
	if err != nil {
		return nil, fmt.Errorf("load summary:\n%w", err)
	}

	if raw == nil {
		return nil, nil
	}

	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode summary:\n%w", err)
	}

	return &s, nil
}

// eventPrefixFor returns the key prefix of a conversation's events.
func eventPrefixFor(id string) []byte {
	return []byte(eventPrefix + id + ":")
}

// eventKey builds a:<id>:<8B big-endian seq>.
func eventKey(id string, seq uint64) []byte {
	prefix := eventPrefixFor(id)

	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)

	return key
}

// summaryKey builds s:<id>.
func summaryKey(id string) []byte {
	return []byte(summaryPrefix + id)
}
