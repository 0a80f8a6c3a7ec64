// Package pillar implements a reference storage pillar.
//
// A pillar listens on its collection topic and on its own queue. It answers
// identify requests according to the operation and the files it holds, and
// carries out operation requests addressed to it, reporting progress before
// the final response.
package pillar

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"bitrepo/internal/bus"
	"bitrepo/internal/logger"
	"bitrepo/internal/security"
	"bitrepo/internal/wire"
)

// replyTimeout bounds each outbound response.
const replyTimeout = 10 * time.Second

// Faults injects misbehaviour for exercising clients.
type Faults struct {
	TransferFailures int  // TransferFailures answers the first N requests with a transient failure
	IgnoreIdentify   bool // IgnoreIdentify leaves identify requests unanswered
	IgnoreRequests   bool // IgnoreRequests leaves operation requests unanswered
}

// Config configures a pillar.
type Config struct {
	ID              string        // ID is the pillar id
	Collection      string        // Collection is the served collection
	DeliveryTime    time.Duration // DeliveryTime is reported to Get identifications
	DeliveryUnknown bool          // DeliveryUnknown omits the delivery estimate
	Faults          Faults        // Faults injects failures
}

// Status is a snapshot of the pillar for monitoring.
type Status struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Files      int    `json:"files"`
	Identifies uint64 `json:"identifies"`
	Requests   uint64 `json:"requests"`
}

// Pillar answers conversations for one collection.
type Pillar struct {
	cfg       Config
	messenger *bus.Messenger // messenger carries protocol messages
	store     *FileStore     // store holds the collection's files
	log       *slog.Logger

	mu           sync.Mutex      // mu serializes operations on the store
	failuresLeft int             // failuresLeft counts pending injected transfer failures
	unsubs       []bus.Unsubscribe

	identifies atomic.Uint64 // identifies counts answered identify requests
	requests   atomic.Uint64 // requests counts handled operation requests
}

// New creates a pillar. Start subscribes it to the bus.
func New(cfg Config, m *bus.Messenger, store *FileStore) (*Pillar, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("pillar id is required")
	}

	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	if m == nil || store == nil {
		return nil, fmt.Errorf("messenger and store are required")
	}

	return &Pillar{
		cfg:          cfg,
		messenger:    m,
		store:        store,
		log:          logger.With("pillar", cfg.ID, "collection", cfg.Collection),
		failuresLeft: cfg.Faults.TransferFailures,
	}, nil
}

// ID returns the pillar id.
func (p *Pillar) ID() string {
	return p.cfg.ID
}

// Store returns the pillar's file store.
func (p *Pillar) Store() *FileStore {
	return p.store
}

// Start subscribes to the collection topic and the pillar queue.
func (p *Pillar) Start() error {
	for _, dest := range []string{bus.CollectionTopic(p.cfg.Collection), bus.PillarQueue(p.cfg.ID)} {
		unsub, err := p.messenger.Subscribe(dest, p.handle)
		if err != nil {
			p.Stop()
			return fmt.Errorf("subscribe %s:\n%w", dest, err)
		}

		p.unsubs = append(p.unsubs, unsub)
	}

	p.log.Info("pillar started")

	return nil
}

// Stop removes the pillar's subscriptions.
func (p *Pillar) Stop() {
	for _, unsub := range p.unsubs {
		unsub()
	}

	p.unsubs = nil
}

// Status returns a monitoring snapshot.
func (p *Pillar) Status() (Status, error) {
	n, err := p.store.Count(p.cfg.Collection)
	if err != nil {
		return Status{}, err
	}

	return Status{
		ID:         p.cfg.ID,
		Collection: p.cfg.Collection,
		Files:      n,
		Identifies: p.identifies.Load(),
		Requests:   p.requests.Load(),
	}, nil
}

// Collection returns the served collection id.
func (p *Pillar) Collection() string {
	return p.cfg.Collection
}

// handle dispatches an inbound message.
func (p *Pillar) handle(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.IdentifyRequest:
		p.onIdentify(m)
	case *wire.OperationRequest:
		p.onRequest(m)
	default:
		p.log.Debug("ignoring message", "kind", msg.Kind())
	}
}

// onIdentify answers an identify request for the served collection.
func (p *Pillar) onIdentify(m *wire.IdentifyRequest) {
	if m.CollectionID != p.cfg.Collection || p.cfg.Faults.IgnoreIdentify {
		return
	}

	info, capability := p.identify(m.Operation, m.FileID)
	p.identifies.Add(1)

	p.reply(m.Header, &wire.IdentifyResponse{
		Header:     p.replyHeader(m.Header),
		PillarID:   p.cfg.ID,
		Info:       info,
		Capability: capability,
	})
}

// identify decides whether the pillar can take part in an operation.
func (p *Pillar) identify(op wire.Operation, fileID string) (wire.ResponseInfo, wire.Capability) {
	positive := wire.ResponseInfo{Code: wire.CodeIdentificationPositive}

	switch op {
	case wire.OpGetFileIDs, wire.OpGetChecksums:
		return positive, wire.Capability{}

	case wire.OpGet, wire.OpPut, wire.OpDelete, wire.OpReplace:
	default:
		return wire.ResponseInfo{Code: wire.CodeRequestNotUnderstood, Text: "unsupported operation"}, wire.Capability{}
	}

	sum, err := p.store.Checksum(p.cfg.Collection, fileID)
	if err != nil {
		p.log.Warn("checksum lookup failed", "file", fileID, "error", err)
		return wire.ResponseInfo{Code: wire.CodeFailure, Text: "storage error"}, wire.Capability{}
	}

	switch op {
	case wire.OpGet:
		if sum == nil {
			return wire.ResponseInfo{Code: wire.CodeFileNotFound, Text: fileID}, wire.Capability{}
		}

		return positive, wire.Capability{DeliveryTime: p.cfg.DeliveryTime, DeliveryKnown: !p.cfg.DeliveryUnknown}

	case wire.OpPut:
		if sum != nil {
			return wire.ResponseInfo{Code: wire.CodeDuplicateFile, Text: fileID}, wire.Capability{ExistingChecksum: sum}
		}

		return positive, wire.Capability{}

	default:
		if sum == nil {
			return wire.ResponseInfo{Code: wire.CodeFileNotFound, Text: fileID}, wire.Capability{}
		}

		return positive, wire.Capability{ExistingChecksum: sum}
	}
}

// onRequest carries out an operation request addressed to this pillar.
func (p *Pillar) onRequest(m *wire.OperationRequest) {
	if m.PillarID != p.cfg.ID || m.CollectionID != p.cfg.Collection || p.cfg.Faults.IgnoreRequests {
		return
	}

	p.requests.Add(1)

	p.reply(m.Header, &wire.ProgressResponse{
		Header:   p.replyHeader(m.Header),
		PillarID: p.cfg.ID,
		Info:     wire.ResponseInfo{Code: wire.CodeOperationAccepted, Text: fmt.Sprintf("attempt %d", m.Attempt)},
	})

	info, result := p.execute(m)

	p.log.Debug("request handled",
		"correlation", m.CorrelationID,
		"operation", m.Operation,
		"file", m.FileID,
		"attempt", m.Attempt,
		"outcome", info.Code,
	)

	p.reply(m.Header, &wire.FinalResponse{
		Header:   p.replyHeader(m.Header),
		PillarID: p.cfg.ID,
		Info:     info,
		Result:   result,
	})
}

// execute performs the requested operation against the store.
func (p *Pillar) execute(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failuresLeft > 0 {
		p.failuresLeft--
		return wire.ResponseInfo{Code: wire.CodeFileTransferFailure, Text: "injected transfer failure"}, wire.Result{}
	}

	var (
		info   wire.ResponseInfo
		result wire.Result
		err    error
	)

	switch m.Operation {
	case wire.OpGet:
		info, result, err = p.get(m)
	case wire.OpPut:
		info, result, err = p.put(m)
	case wire.OpDelete:
		info, result, err = p.delete(m)
	case wire.OpReplace:
		info, result, err = p.replace(m)
	case wire.OpGetFileIDs:
		info, result, err = p.fileIDs(m)
	case wire.OpGetChecksums:
		info, result, err = p.checksums(m)
	default:
		return wire.ResponseInfo{Code: wire.CodeRequestNotUnderstood, Text: m.Operation.String()}, wire.Result{}
	}

	if err != nil {
		p.log.Error("operation failed", "operation", m.Operation, "file", m.FileID, "error", err)
		return wire.ResponseInfo{Code: wire.CodeFailure, Text: "storage error"}, wire.Result{}
	}

	return info, result
}

// get returns the file content.
func (p *Pillar) get(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	data, sum, err := p.store.Get(m.CollectionID, m.FileID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	if sum == nil {
		return notFound(m.FileID), wire.Result{}, nil
	}

	return completed(), wire.Result{Data: data, Checksum: sum}, nil
}

// put stores a new file. An existing file is reported as a duplicate with
// its checksum so the client can judge whether it is the same content.
func (p *Pillar) put(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	if len(m.Data) == 0 && m.FileAddress != "" {
		return wire.ResponseInfo{Code: wire.CodeRequestNotUnderstood, Text: "file address transfer unsupported"}, wire.Result{}, nil
	}

	existing, err := p.store.Checksum(m.CollectionID, m.FileID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	if existing != nil {
		return wire.ResponseInfo{Code: wire.CodeDuplicateFile, Text: m.FileID}, wire.Result{Checksum: existing}, nil
	}

	if info, ok := validate(m.Data, m.ValidationChecksum); !ok {
		return info, wire.Result{}, nil
	}

	sum, err := p.store.Put(m.CollectionID, m.FileID, m.Data)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	return completed(), wire.Result{Checksum: sum}, nil
}

// delete removes a file whose checksum matches the one supplied, if any.
func (p *Pillar) delete(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	existing, err := p.store.Checksum(m.CollectionID, m.FileID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	if existing == nil {
		return notFound(m.FileID), wire.Result{}, nil
	}

	if len(m.ExistingChecksum) > 0 && !bytes.Equal(existing, m.ExistingChecksum) {
		return wire.ResponseInfo{Code: wire.CodeFailure, Text: "existing checksum mismatch"}, wire.Result{Checksum: existing}, nil
	}

	if err := p.store.Delete(m.CollectionID, m.FileID); err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	return completed(), wire.Result{Checksum: existing}, nil
}

// replace swaps the content of an existing file.
func (p *Pillar) replace(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	existing, err := p.store.Checksum(m.CollectionID, m.FileID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	if existing == nil {
		return notFound(m.FileID), wire.Result{}, nil
	}

	if len(m.ExistingChecksum) > 0 && !bytes.Equal(existing, m.ExistingChecksum) {
		return wire.ResponseInfo{Code: wire.CodeFailure, Text: "existing checksum mismatch"}, wire.Result{Checksum: existing}, nil
	}

	if info, ok := validate(m.Data, m.ValidationChecksum); !ok {
		return info, wire.Result{}, nil
	}

	sum, err := p.store.Put(m.CollectionID, m.FileID, m.Data)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	return completed(), wire.Result{Checksum: sum}, nil
}

// fileIDs lists the collection, or the single requested file.
func (p *Pillar) fileIDs(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	ids, err := p.store.FileIDs(m.CollectionID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	if m.FileID != "" {
		if !slices.Contains(ids, m.FileID) {
			return notFound(m.FileID), wire.Result{}, nil
		}

		ids = []string{m.FileID}
	}

	return completed(), wire.Result{FileIDs: ids}, nil
}

// checksums lists checksums of the collection, or of the single requested file.
func (p *Pillar) checksums(m *wire.OperationRequest) (wire.ResponseInfo, wire.Result, error) {
	if m.FileID != "" {
		sum, err := p.store.Checksum(m.CollectionID, m.FileID)
		if err != nil {
			return wire.ResponseInfo{}, wire.Result{}, err
		}

		if sum == nil {
			return notFound(m.FileID), wire.Result{}, nil
		}

		return completed(), wire.Result{Checksums: []wire.FileChecksum{{FileID: m.FileID, Checksum: sum}}}, nil
	}

	sums, err := p.store.Checksums(m.CollectionID)
	if err != nil {
		return wire.ResponseInfo{}, wire.Result{}, err
	}

	return completed(), wire.Result{Checksums: sums}, nil
}

// replyHeader builds the header of a response to h.
func (p *Pillar) replyHeader(h wire.Header) wire.Header {
	return wire.Header{
		CorrelationID: h.CorrelationID,
		Operation:     h.Operation,
	}
}

// reply sends msg to the reply destination of the request header h.
func (p *Pillar) reply(h wire.Header, msg wire.Message) {
	if h.ReplyTo == "" {
		p.log.Debug("request without reply destination", "correlation", h.CorrelationID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	if err := p.messenger.Send(ctx, h.ReplyTo, msg); err != nil {
		p.log.Warn("reply failed", "correlation", h.CorrelationID, "kind", msg.Kind(), "error", err)
	}
}

// validate checks data against the supplied validation checksum, if any.
func validate(data, checksum []byte) (wire.ResponseInfo, bool) {
	if len(checksum) == 0 || security.ChecksumMatches(data, checksum) {
		return wire.ResponseInfo{}, true
	}

	return wire.ResponseInfo{Code: wire.CodeChecksumMismatch, Text: "content does not match validation checksum"}, false
}

func completed() wire.ResponseInfo {
	return wire.ResponseInfo{Code: wire.CodeOperationCompleted}
}

func notFound(fileID string) wire.ResponseInfo {
	return wire.ResponseInfo{Code: wire.CodeFileNotFound, Text: fileID}
}

// Files lists the files of the served collection with their checksums.
func (p *Pillar) Files() ([]wire.FileChecksum, error) {
	return p.store.Checksums(p.cfg.Collection)
}

// FileChecksum returns the checksum of one file, or nil if absent.
func (p *Pillar) FileChecksum(fileID string) ([]byte, error) {
	return p.store.Checksum(p.cfg.Collection, fileID)
}
