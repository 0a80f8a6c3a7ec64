package client

import (
	"context"
	"fmt"

	"bitrepo/internal/conversation"
	"bitrepo/internal/security"
	"bitrepo/internal/wire"
)

// Report is the outcome of a finished operation.
type Report struct {
	CorrelationID string                            // CorrelationID identifies the conversation
	Operation     wire.Operation                    // Operation is the performed operation
	Verdict       conversation.Verdict              // Verdict is COMPLETE or FAILED
	Outcomes      []conversation.ContributorOutcome // Outcomes are the per-pillar outcomes
	Results       map[string]wire.Result            // Results holds completed pillars' results by pillar id
}

// PutFile stores data on every pillar of collection.
func (c *Client) PutFile(ctx context.Context, collection, fileID string, data []byte) (*Report, error) {
	conv, err := c.StartPut(collection, fileID, data, nil)
	if err != nil {
		return nil, err
	}

	return wait(ctx, conv)
}

// GetFile fetches a file from the fastest pillar and verifies its checksum.
func (c *Client) GetFile(ctx context.Context, collection, fileID string) ([]byte, *Report, error) {
	conv, err := c.StartGet(collection, fileID, nil)
	if err != nil {
		return nil, nil, err
	}

	rep, err := wait(ctx, conv)
	if err != nil {
		return nil, rep, err
	}

	for pillarID, res := range rep.Results {
		if len(res.Checksum) > 0 && !security.ChecksumMatches(res.Data, res.Checksum) {
			return nil, rep, fmt.Errorf("file %s from %s:\n%w", fileID, pillarID, ErrCorruptData)
		}

		return res.Data, rep, nil
	}

	return nil, rep, fmt.Errorf("file %s: no pillar returned content", fileID)
}

// DeleteFile removes a file from one pillar.
func (c *Client) DeleteFile(ctx context.Context, collection, fileID, pillarID string, existing []byte) (*Report, error) {
	conv, err := c.StartDelete(collection, fileID, pillarID, existing, nil)
	if err != nil {
		return nil, err
	}

	return wait(ctx, conv)
}

// ReplaceFile swaps the content of a file on one pillar.
func (c *Client) ReplaceFile(ctx context.Context, collection, fileID, pillarID string, data, existing []byte) (*Report, error) {
	conv, err := c.StartReplace(collection, fileID, pillarID, data, existing, nil)
	if err != nil {
		return nil, err
	}

	return wait(ctx, conv)
}

// GetFileIDs lists file ids per pillar.
func (c *Client) GetFileIDs(ctx context.Context, collection, fileID string) (*Report, error) {
	conv, err := c.StartGetFileIDs(collection, fileID, nil)
	if err != nil {
		return nil, err
	}

	return wait(ctx, conv)
}

// GetChecksums lists checksums per pillar.
func (c *Client) GetChecksums(ctx context.Context, collection, fileID string) (*Report, error) {
	conv, err := c.StartGetChecksums(collection, fileID, nil)
	if err != nil {
		return nil, err
	}

	return wait(ctx, conv)
}

// Wait blocks until conv finishes and returns its report. Cancelling ctx
// cancels the conversation. A failed operation returns the report together
// with an error wrapping the failure cause.
func Wait(ctx context.Context, conv *conversation.Conversation) (*Report, error) {
	return wait(ctx, conv)
}

func wait(ctx context.Context, conv *conversation.Conversation) (*Report, error) {
	select {
	case <-conv.Done():
	case <-ctx.Done():
		conv.Cancel()
		<-conv.Done()
	}

	rep := newReport(conv)

	if err := conv.Err(); err != nil {
		return rep, fmt.Errorf("%s %s:\n%w", conv.Operation(), conv.ID(), err)
	}

	return rep, nil
}

// newReport summarizes a finished conversation.
func newReport(conv *conversation.Conversation) *Report {
	rep := &Report{
		CorrelationID: conv.ID(),
		Operation:     conv.Operation(),
		Verdict:       conv.Verdict(),
		Outcomes:      conv.Outcomes(),
		Results:       make(map[string]wire.Result),
	}

	for _, o := range rep.Outcomes {
		if o.Phase == conversation.PhaseComplete && o.Result != nil {
			rep.Results[o.PillarID] = *o.Result
		}
	}

	return rep
}

// FileIDs merges the listings of all pillars, keyed by pillar id.
func (r *Report) FileIDs() map[string][]string {
	out := make(map[string][]string, len(r.Results))
	for id, res := range r.Results {
		out[id] = res.FileIDs
	}

	return out
}

// Checksums merges the checksum listings of all pillars, keyed by pillar id.
func (r *Report) Checksums() map[string][]wire.FileChecksum {
	out := make(map[string][]wire.FileChecksum, len(r.Results))
	for id, res := range r.Results {
		out[id] = res.Checksums
	}

	return out
}
