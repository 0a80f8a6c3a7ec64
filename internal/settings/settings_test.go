package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitrepo/internal/bus"
	"bitrepo/internal/conversation"
)

const sample = `client_id: client-1
bus:
  kind: quic
  address: 10.0.0.1:4400
collections:
  - id: photos
    pillars: [pillar-a, pillar-b]
    identification_timeout: 3s
    operation_timeout: 2m
    max_retries: 0
    partial_results: true
  - id: docs
    pillars: [pillar-c]
`

// writeSettings writes content to a temporary settings file.
func writeSettings(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	return path
}

// TestLoad tests decoding of every field.
func TestLoad(t *testing.T) {
	s, err := Load(writeSettings(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.ClientID != "client-1" || s.Bus.Kind != BusQUIC || s.Bus.Address != "10.0.0.1:4400" {
		t.Errorf("unexpected header: %+v", s)
	}

	photos, err := s.Collection("photos")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}

	p := photos.Policy()
	if p.IdentificationTimeout != 3*time.Second || p.OperationTimeout != 2*time.Minute {
		t.Errorf("timeouts: %+v", p)
	}

	if p.MaxRetries != 0 || !p.PartialResultsAllowed {
		t.Errorf("explicit zero retries or partial flag lost: %+v", p)
	}

	refs := photos.PillarRefs()
	if len(refs) != 2 || refs[1].ID != "pillar-b" || refs[1].Destination != bus.PillarQueue("pillar-b") {
		t.Errorf("pillar refs: %+v", refs)
	}
}

// TestDefaults tests that omitted fields take default values.
func TestDefaults(t *testing.T) {
	s, err := Parse([]byte("collections:\n  - id: docs\n    pillars: [p1]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if s.ClientID != defaultClientID || s.Bus.Kind != BusQUIC || s.Bus.Address != defaultBusAddress {
		t.Errorf("defaults not applied: %+v", s)
	}

	p := s.Collections[0].Policy()
	want := conversation.DefaultPolicy()

	if p != want {
		t.Errorf("policy: got %+v, want %+v", p, want)
	}
}

// TestValidate tests rejection of inconsistent settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no pillars", "collections:\n  - id: c\n    pillars: []\n", "no pillars"},
		{"duplicate pillar", "collections:\n  - id: c\n    pillars: [a, a]\n", "duplicate pillar a"},
		{"duplicate collection", "collections:\n  - id: c\n    pillars: [a]\n  - id: c\n    pillars: [b]\n", "duplicate collection"},
		{"negative timeout", "collections:\n  - id: c\n    pillars: [a]\n    operation_timeout: -1s\n", "operation timeout"},
		{"negative retries", "collections:\n  - id: c\n    pillars: [a]\n    max_retries: -1\n", "max retries"},
		{"bad bus", "bus:\n  kind: carrier-pigeon\n", "unknown bus kind"},
		{"nats without address", "bus:\n  kind: nats\n", "requires an address"},
		{"bad duration", "collections:\n  - id: c\n    pillars: [a]\n    operation_timeout: soon\n", "invalid duration"},
		{"bad trusted key", "security:\n  sign: true\n  trusted_keys: [zz]\n", "trusted key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// TestLoadMissing tests a missing file.
func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestUnknownCollection tests the lookup error.
func TestUnknownCollection(t *testing.T) {
	s := Default()

	if _, err := s.Collection("nope"); !errors.Is(err, ErrNoCollection) {
		t.Errorf("got %v, want ErrNoCollection", err)
	}
}

// TestSaveRoundTrip tests that saved settings load back.
func TestSaveRoundTrip(t *testing.T) {
	s := Default()
	s.Bus = Bus{Kind: BusLocal}
	s.Collections = []Collection{{
		ID:                    "c",
		Pillars:               []string{"a"},
		IdentificationTimeout: Duration(time.Second),
		OperationTimeout:      Duration(time.Minute),
	}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	c, _ := loaded.Collection("c")
	if c == nil || !c.HasPillar("a") || c.IdentificationTimeout != Duration(time.Second) {
		t.Errorf("round trip lost data: %+v", loaded)
	}
}

// TestOpener tests that signing settings produce a verifier.
func TestOpener(t *testing.T) {
	s := Default()
	if s.Opener() != nil {
		t.Error("opener without signing")
	}

	s.Security.Sign = true
	if s.Opener() == nil {
		t.Error("no opener with signing")
	}
}

// TestConnectLocal tests that the in-process bus cannot be dialed.
func TestConnectLocal(t *testing.T) {
	b := Bus{Kind: BusLocal}

	if _, err := b.Connect(t.Context(), "x", nil); err == nil {
		t.Error("expected error connecting to the local bus")
	}
}

// TestExampleSettings tests that the shipped example loads.
func TestExampleSettings(t *testing.T) {
	s, err := Load(filepath.Join("..", "..", "settings.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}

	c, err := s.Collection("books")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}

	if len(c.Pillars) != 3 || c.Policy() != conversation.DefaultPolicy() {
		t.Errorf("unexpected example collection: %+v", c)
	}
}
