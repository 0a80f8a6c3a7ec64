package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"bitrepo/internal/logger"
	"bitrepo/internal/wire"
)

// defaultTombstoneTTL is how long a finished correlation id is remembered.
const defaultTombstoneTTL = 5 * time.Minute

// Registry routes inbound messages to live conversations by correlation id.
// Lookups take a read lock only, so unrelated conversations never contend.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]*Conversation // live maps correlation id to conversation
	finished *cache.Cache             // finished remembers recently ended ids
}

// NewRegistry creates a registry. Finished ids are remembered for tombstoneTTL
// so late answers can be told apart from stray traffic.
func NewRegistry(tombstoneTTL time.Duration) *Registry {
	if tombstoneTTL <= 0 {
		tombstoneTTL = defaultTombstoneTTL
	}

	return &Registry{
		live:     make(map[string]*Conversation),
		finished: cache.New(tombstoneTTL, tombstoneTTL),
	}
}

// Register adds c under its correlation id.
func (r *Registry) Register(c *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[c.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, c.id)
	}

	r.live[c.id] = c

	return nil
}

// Deregister removes the conversation registered under id.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	_, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if ok {
		r.finished.SetDefault(id, struct{}{})
	}
}

// Lookup returns the live conversation for id.
func (r *Registry) Lookup(id string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.live[id]

	return c, ok
}

// Contains reports whether id is live.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.live)
}

// Live returns a snapshot of the live conversations.
func (r *Registry) Live() []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conversation, 0, len(r.live))
	for _, c := range r.live {
		out = append(out, c)
	}

	return out
}

// Dispatch hands msg to its conversation and reports whether one was found.
// Messages for unknown or finished conversations are dropped.
func (r *Registry) Dispatch(msg wire.Message) bool {
	h := msg.Head()

	c, ok := r.Lookup(h.CorrelationID)
	if !ok {
		if _, late := r.finished.Get(h.CorrelationID); late {
			logger.Debug("late message dropped", "correlation", h.CorrelationID, "kind", msg.Kind(), "from", h.From)
		} else {
			logger.Debug("unroutable message dropped", "correlation", h.CorrelationID, "kind", msg.Kind(), "from", h.From)
		}
		return false
	}

	c.Handle(msg)

	return true
}
