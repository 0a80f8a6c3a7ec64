// Package settings loads the repository settings shared by clients and pillars.
//
// A settings file names the bus to connect to and the collections of the
// repository with their pillars and operation policies:
//
//	client_id: client-1
//	bus:
//	  kind: quic
//	  address: 127.0.0.1:4400
//	collections:
//	  - id: photos
//	    pillars: [pillar-a, pillar-b]
//	    identification_timeout: 10s
//	    operation_timeout: 1m
//	    max_retries: 2
package settings

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bitrepo/internal/bus"
	"bitrepo/internal/conversation"
	"bitrepo/internal/security"
)

const (
	// BusLocal is the in-process bus.
	BusLocal = "local"

	// BusQUIC is the QUIC broker bus.
	BusQUIC = "quic"

	// BusNATS is a NATS server.
	BusNATS = "nats"

	defaultClientID   = "client"
	defaultBusAddress = "127.0.0.1:4400"
)

// ErrNoCollection is returned when a collection id is not configured.
var ErrNoCollection = errors.New("unknown collection")

// Bus selects and addresses the message bus.
type Bus struct {
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
}

// Security configures frame signing.
type Security struct {
	Sign        bool     `yaml:"sign"`                   // Sign seals outbound frames with the component key
	TrustedKeys []string `yaml:"trusted_keys,omitempty"` // TrustedKeys restricts accepted signers (hex BLS public keys)
}

// Collection is one replicated collection and its policy.
type Collection struct {
	ID                    string   `yaml:"id"`
	Pillars               []string `yaml:"pillars"`
	IdentificationTimeout Duration `yaml:"identification_timeout"`
	OperationTimeout      Duration `yaml:"operation_timeout"`
	MaxRetries            *int     `yaml:"max_retries,omitempty"` // nil selects the default budget
	PartialResults        bool     `yaml:"partial_results"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}

	*d = Duration(v)

	return nil
}

// Settings models the settings file.
type Settings struct {
	ClientID    string       `yaml:"client_id"`
	Bus         Bus          `yaml:"bus"`
	Security    Security     `yaml:"security"`
	Collections []Collection `yaml:"collections"`
}

// Default returns settings for a single local collection with no pillars.
// Callers are expected to fill in the pillars.
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()

	return s
}

// Load reads, defaults and validates the settings at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("settings file %s not found", path)
	}

	if err != nil {
		return nil, fmt.Errorf("read settings:\n%w", err)
	}

	return Parse(data)
}

// Parse decodes settings from YAML, applies defaults and validates them.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings:\n%w", err)
	}

	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Save writes s to path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings:\n%w", err)
	}

	return nil
}

// applyDefaults fills unset fields.
func (s *Settings) applyDefaults() {
	if s.ClientID == "" {
		s.ClientID = defaultClientID
	}

	if s.Bus.Kind == "" {
		s.Bus.Kind = BusQUIC
	}

	if s.Bus.Address == "" && s.Bus.Kind == BusQUIC {
		s.Bus.Address = defaultBusAddress
	}

	for i := range s.Collections {
		c := &s.Collections[i]

		if c.IdentificationTimeout == 0 {
			c.IdentificationTimeout = Duration(conversation.DefaultIdentificationTimeout)
		}

		if c.OperationTimeout == 0 {
			c.OperationTimeout = Duration(conversation.DefaultOperationTimeout)
		}
	}
}

// Validate checks the settings for inconsistencies.
func (s *Settings) Validate() error {
	switch s.Bus.Kind {
	case BusLocal, BusQUIC, BusNATS:
	default:
		return fmt.Errorf("unknown bus kind %q", s.Bus.Kind)
	}

	if s.Bus.Kind != BusLocal && s.Bus.Address == "" {
		return fmt.Errorf("bus %s requires an address", s.Bus.Kind)
	}

	if _, err := s.Security.trusted(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Collections))

	for _, c := range s.Collections {
		if c.ID == "" {
			return fmt.Errorf("collection without id")
		}

		if seen[c.ID] {
			return fmt.Errorf("duplicate collection %s", c.ID)
		}
		seen[c.ID] = true

		if err := c.Validate(); err != nil {
			return fmt.Errorf("collection %s:\n%w", c.ID, err)
		}
	}

	return nil
}

// Collection returns the collection with the given id.
func (s *Settings) Collection(id string) (*Collection, error) {
	for i := range s.Collections {
		if s.Collections[i].ID == id {
			return &s.Collections[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoCollection, id)
}

// Opener returns the verifier for inbound frames, or nil when signing is off.
func (s *Settings) Opener() security.Opener {
	if !s.Security.Sign {
		return nil
	}

	keys, _ := s.Security.trusted()

	return security.NewVerifier(keys...)
}

// trusted decodes the trusted key list.
func (sec Security) trusted() ([][]byte, error) {
	keys := make([][]byte, 0, len(sec.TrustedKeys))

	for _, k := range sec.TrustedKeys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q:\n%w", k, err)
		}

		if len(raw) != security.PublicKeySize {
			return nil, fmt.Errorf("trusted key %q: got %d bytes, want %d", k, len(raw), security.PublicKeySize)
		}

		keys = append(keys, raw)
	}

	return keys, nil
}

// Validate rejects empty pillar sets, duplicate pillars and bad timeouts.
func (c *Collection) Validate() error {
	if len(c.Pillars) == 0 {
		return fmt.Errorf("no pillars")
	}

	seen := make(map[string]bool, len(c.Pillars))

	for _, p := range c.Pillars {
		if p == "" {
			return fmt.Errorf("empty pillar id")
		}

		if seen[p] {
			return fmt.Errorf("duplicate pillar %s", p)
		}
		seen[p] = true
	}

	if c.IdentificationTimeout <= 0 {
		return fmt.Errorf("identification timeout must be positive")
	}

	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	return nil
}

// Policy converts the collection settings into a conversation policy.
func (c *Collection) Policy() conversation.Policy {
	p := conversation.Policy{
		IdentificationTimeout: time.Duration(c.IdentificationTimeout),
		OperationTimeout:      time.Duration(c.OperationTimeout),
		MaxRetries:            conversation.DefaultMaxRetries,
		PartialResultsAllowed: c.PartialResults,
	}

	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}

	return p
}

// PillarRefs returns the pillars addressed through their bus queues.
func (c *Collection) PillarRefs() []conversation.PillarRef {
	refs := make([]conversation.PillarRef, len(c.Pillars))

	for i, id := range c.Pillars {
		refs[i] = conversation.PillarRef{ID: id, Destination: bus.PillarQueue(id)}
	}

	return refs
}

// HasPillar reports whether id is a pillar of the collection.
func (c *Collection) HasPillar(id string) bool {
	for _, p := range c.Pillars {
		if p == id {
			return true
		}
	}

	return false
}
