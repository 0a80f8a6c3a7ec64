// Package client is the client side of the bit repository.
//
// A Client starts operation conversations against the pillars of the
// configured collections. Each Start function returns immediately with the
// live conversation; the blocking variants wait for its verdict.
package client

import (
	"errors"
	"fmt"

	"bitrepo/internal/audit"
	"bitrepo/internal/bus"
	"bitrepo/internal/conversation"
	"bitrepo/internal/logger"
	"bitrepo/internal/security"
	"bitrepo/internal/settings"
	"bitrepo/internal/wire"
)

// ErrCorruptData is returned when retrieved content does not match the
// checksum reported by the pillar.
var ErrCorruptData = errors.New("retrieved content does not match its checksum")

// Options wires a Client.
type Options struct {
	Settings  *settings.Settings     // Settings names the collections and their policies
	Transport bus.Transport          // Transport carries messages; closed by Client.Close
	Key       *security.KeyPair      // Key signs outbound frames when signing is enabled
	Scheduler conversation.Scheduler // Scheduler fires timeouts; a new one is created when nil
	Events    conversation.Sink      // Events receives the events of every conversation
	Audit     *audit.Trail           // Audit records every event when set
}

// Client starts and tracks operations.
type Client struct {
	settings  *settings.Settings
	messenger *bus.Messenger
	engine    *conversation.Engine
	scheduler *conversation.TimeoutScheduler // scheduler is set when the client owns it
	events    conversation.Sink
	audit     *audit.Trail
	unsub     bus.Unsubscribe
}

// New creates a client and subscribes it to its reply queue.
func New(opts Options) (*Client, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}

	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	var sealer security.Sealer
	if opts.Settings.Security.Sign {
		if opts.Key == nil {
			return nil, fmt.Errorf("signing enabled without a key")
		}

		sealer = opts.Key
	}

	c := &Client{
		settings:  opts.Settings,
		messenger: bus.NewMessenger(opts.Transport, opts.Settings.ClientID, sealer, opts.Settings.Opener()),
		events:    opts.Events,
		audit:     opts.Audit,
	}

	sched := opts.Scheduler
	if sched == nil {
		c.scheduler = conversation.NewScheduler()
		sched = c.scheduler
	}

	replyTo := bus.ClientQueue(opts.Settings.ClientID)

	engine, err := conversation.NewEngine(conversation.EngineConfig{
		Sender:    c.messenger,
		Scheduler: sched,
		ClientID:  opts.Settings.ClientID,
		ReplyTo:   replyTo,
	})
	if err != nil {
		c.closeScheduler()
		return nil, fmt.Errorf("create engine:\n%w", err)
	}
	c.engine = engine

	c.unsub, err = c.messenger.Subscribe(replyTo, func(msg wire.Message) {
		engine.Handle(msg)
	})
	if err != nil {
		c.closeScheduler()
		return nil, fmt.Errorf("subscribe %s:\n%w", replyTo, err)
	}

	logger.Debug("client ready", "client", opts.Settings.ClientID, "reply_to", replyTo)

	return c, nil
}

// Engine returns the conversation engine.
func (c *Client) Engine() *conversation.Engine {
	return c.engine
}

// Close cancels live conversations and closes the transport.
func (c *Client) Close() error {
	c.engine.CancelAll()
	c.unsub()
	c.closeScheduler()

	return c.messenger.Close()
}

// closeScheduler stops the scheduler if the client created it.
func (c *Client) closeScheduler() {
	if c.scheduler != nil {
		c.scheduler.Close()
	}
}

// StartGet starts fetching a file from the fastest pillar.
func (c *Client) StartGet(collection, fileID string, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpGet, collection, fileID, "")
	if err != nil {
		return nil, err
	}

	return c.start(req, sink)
}

// StartPut starts storing a file on every pillar of a collection.
// The validation checksum is computed from data.
func (c *Client) StartPut(collection, fileID string, data []byte, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpPut, collection, fileID, "")
	if err != nil {
		return nil, err
	}

	req.Data = data
	req.ValidationChecksum = Checksum(data)

	return c.start(req, sink)
}

// StartDelete starts removing a file from one pillar. existing, when set,
// must match the pillar's checksum of the file.
func (c *Client) StartDelete(collection, fileID, pillarID string, existing []byte, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpDelete, collection, fileID, pillarID)
	if err != nil {
		return nil, err
	}

	req.ExistingChecksum = existing

	return c.start(req, sink)
}

// StartReplace starts swapping the content of a file on one pillar.
func (c *Client) StartReplace(collection, fileID, pillarID string, data, existing []byte, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpReplace, collection, fileID, pillarID)
	if err != nil {
		return nil, err
	}

	req.Data = data
	req.ValidationChecksum = Checksum(data)
	req.ExistingChecksum = existing

	return c.start(req, sink)
}

// StartGetFileIDs starts listing file ids on every pillar.
// A non-empty fileID restricts the listing to that file.
func (c *Client) StartGetFileIDs(collection, fileID string, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpGetFileIDs, collection, fileID, "")
	if err != nil {
		return nil, err
	}

	return c.start(req, sink)
}

// StartGetChecksums starts listing checksums on every pillar.
// A non-empty fileID restricts the listing to that file.
func (c *Client) StartGetChecksums(collection, fileID string, sink conversation.Sink) (*conversation.Conversation, error) {
	req, err := c.request(wire.OpGetChecksums, collection, fileID, "")
	if err != nil {
		return nil, err
	}

	return c.start(req, sink)
}

// request builds a conversation request for a configured collection.
// A non-empty pillarID narrows the request to that pillar, which is then
// identified on its own queue instead of the collection topic.
func (c *Client) request(op wire.Operation, collection, fileID, pillarID string) (conversation.Request, error) {
	col, err := c.settings.Collection(collection)
	if err != nil {
		return conversation.Request{}, err
	}

	req := conversation.Request{
		Operation:    op,
		CollectionID: collection,
		FileID:       fileID,
		Pillars:      col.PillarRefs(),
		Policy:       col.Policy(),
	}

	if pillarID == "" {
		req.CollectionTopic = bus.CollectionTopic(collection)
		return req, nil
	}

	if !col.HasPillar(pillarID) {
		return conversation.Request{}, fmt.Errorf("pillar %s is not part of collection %s", pillarID, collection)
	}

	req.Pillars = []conversation.PillarRef{{ID: pillarID, Destination: bus.PillarQueue(pillarID)}}

	return req, nil
}

// start hands req to the engine with the client-wide sinks attached.
func (c *Client) start(req conversation.Request, sink conversation.Sink) (*conversation.Conversation, error) {
	sink = tee(sink, c.events)

	if c.audit != nil {
		sink = c.audit.Sink(sink)
	}

	conv, err := c.engine.Start(req, sink)
	if err != nil {
		return nil, fmt.Errorf("start %s:\n%w", req.Operation, err)
	}

	return conv, nil
}

// tee delivers to both sinks in order, skipping nil ones.
func tee(first, second conversation.Sink) conversation.Sink {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	}

	return conversation.SinkFunc(func(e conversation.OperationEvent) {
		first.Deliver(e)
		second.Deliver(e)
	})
}

// Checksum returns the checksum used to validate file content.
func Checksum(data []byte) []byte {
	return security.Checksum(data)
}
