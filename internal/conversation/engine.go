package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bitrepo/internal/logger"
	"bitrepo/internal/wire"
)

// maxIDAttempts bounds correlation id minting on collision.
const maxIDAttempts = 8

// Sender publishes protocol messages. Sends are fire-and-forget; answers
// come back through Engine.Handle.
type Sender interface {
	Send(ctx context.Context, destination string, msg wire.Message) error
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Registry  *Registry // Registry routes answers; a new one is created when nil
	Sender    Sender    // Sender publishes requests
	Scheduler Scheduler // Scheduler fires timeouts
	ClientID  string    // ClientID is stamped into From
	ReplyTo   string    // ReplyTo is the destination pillars answer on
}

// Engine starts conversations and routes answers to them.
type Engine struct {
	registry  *Registry
	sender    Sender
	scheduler Scheduler
	clientID  string
	replyTo   string
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	if cfg.ReplyTo == "" {
		return nil, fmt.Errorf("reply destination is required")
	}

	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(0)
	}

	return &Engine{
		registry:  cfg.Registry,
		sender:    cfg.Sender,
		scheduler: cfg.Scheduler,
		clientID:  cfg.ClientID,
		replyTo:   cfg.ReplyTo,
	}, nil
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Handle routes an inbound message to its conversation.
func (e *Engine) Handle(msg wire.Message) bool {
	return e.registry.Dispatch(msg)
}

// CancelAll cancels every live conversation.
func (e *Engine) CancelAll() {
	for _, c := range e.registry.Live() {
		c.Cancel()
	}
}

// Start begins an operation and returns without waiting for any answer.
// Events are delivered to sink in order; the last one is COMPLETE or FAILED.
// An error means the request itself is invalid and nothing was started.
func (e *Engine) Start(req Request, sink Sink) (*Conversation, error) {
	kind, err := KindFor(req.Operation)
	if err != nil {
		return nil, err
	}

	if err := req.Policy.Validate(); err != nil {
		return nil, err
	}

	if kind.SinglePillar && len(req.Pillars) > 1 {
		return nil, fmt.Errorf("%s targets exactly one pillar, got %d", req.Operation, len(req.Pillars))
	}

	c := &Conversation{
		kind:      kind,
		req:       req,
		policy:    req.Policy.withDefaults(),
		engine:    e,
		byPillar:  make(map[string]*Contributor, len(req.Pillars)),
		startedAt: time.Now(),
	}

	for _, p := range req.Pillars {
		if p.ID == "" {
			return nil, fmt.Errorf("pillar with empty id")
		}

		if _, dup := c.byPillar[p.ID]; dup {
			return nil, fmt.Errorf("pillar %s listed twice", p.ID)
		}

		if p.Destination == "" && req.CollectionTopic == "" {
			return nil, fmt.Errorf("pillar %s has no destination", p.ID)
		}

		ct := newContributor(p)
		c.contributors = append(c.contributors, ct)
		c.byPillar[p.ID] = ct
	}

	if len(c.contributors) == 0 {
		c.assignID(uuid.NewString())
		c.events = newEventQueue(sink)
		c.failEmpty()

		return c, nil
	}

	c.events = newEventQueue(sink)

	if err := e.register(c); err != nil {
		return nil, err
	}

	out := c.begin()
	c.flush(out)

	return c, nil
}

// register mints a correlation id not used by any live conversation.
func (e *Engine) register(c *Conversation) error {
	var err error

	for range maxIDAttempts {
		c.assignID(uuid.NewString())

		err = e.registry.Register(c)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrDuplicateCorrelation) {
			return err
		}
	}

	return fmt.Errorf("mint correlation id:\n%w", err)
}

// assignID sets the correlation id and the logger bound to it.
func (c *Conversation) assignID(id string) {
	c.id = id
	c.log = logger.With("correlation", id, "operation", c.kind.Operation.String())
}
