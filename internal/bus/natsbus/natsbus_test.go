package natsbus

import (
	"context"
	"os"
	"testing"
	"time"
)

// connectTest connects to the server named by BITREPO_NATS_URL or skips.
func connectTest(t *testing.T) *Transport {
	t.Helper()

	url := os.Getenv("BITREPO_NATS_URL")
	if url == "" {
		t.Skip("BITREPO_NATS_URL not set")
	}

	tr, err := Connect(url, "bitrepo-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	t.Cleanup(func() { tr.Close() })

	return tr
}

// TestPublishSubscribe tests a round trip through NATS.
func TestPublishSubscribe(t *testing.T) {
	tr := connectTest(t)

	got := make(chan []byte, 1)

	unsub, err := tr.Subscribe("bitrepo.test.roundtrip", func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := tr.Publish(context.Background(), "bitrepo.test.roundtrip", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("got %q, want hello", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

// TestPublishCancelled tests that a cancelled context is honoured.
func TestPublishCancelled(t *testing.T) {
	tr := connectTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.Publish(ctx, "bitrepo.test.cancelled", nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}
