package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

// newTestStorage opens a store in a temporary directory.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("f:books/file-1")
	value := []byte("content")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestHas(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := s.Has([]byte("k"))
	if err != nil || !ok {
		t.Errorf("Has(k) = %v, %v; want true", ok, err)
	}

	ok, err = s.Has([]byte("other"))
	if err != nil || ok {
		t.Errorf("Has(other) = %v, %v; want false", ok, err)
	}
}

func TestDeleteBatch(t *testing.T) {
	s := newTestStorage(t)

	pairs := []KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	if err := s.DeleteBatch([][]byte{[]byte("a"), []byte("c")}); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	n, err := s.CountPrefix(nil)
	if err != nil {
		t.Fatalf("CountPrefix failed: %v", err)
	}

	if n != 1 {
		t.Errorf("remaining keys: got %d, want 1", n)
	}
}

func TestIteratePrefixOrdered(t *testing.T) {
	s := newTestStorage(t)

	pairs := []KeyValue{
		{Key: []byte("a:2"), Value: []byte("second")},
		{Key: []byte("a:1"), Value: []byte("first")},
		{Key: []byte("b:1"), Value: []byte("other")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	var values []string

	err := s.IteratePrefix([]byte("a:"), func(_, value []byte) error {
		values = append(values, string(value))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(values) != 2 || values[0] != "first" || values[1] != "second" {
		t.Errorf("got %v, want [first second]", values)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStorage(t)

	pairs := []KeyValue{
		{Key: []byte("f:books/1"), Value: []byte("x")},
		{Key: []byte("f:books/2"), Value: []byte("y")},
		{Key: []byte("f:maps/1"), Value: []byte("z")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	if err := s.DeletePrefix([]byte("f:books/")); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	n, _ := s.CountPrefix([]byte("f:"))
	if n != 1 {
		t.Errorf("remaining keys: got %d, want 1", n)
	}

	if err := s.DeletePrefix([]byte{0xFF, 0xFF}); err == nil {
		t.Error("expected error for unbounded prefix")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("a:"), []byte("a;")},
		{[]byte{0x61, 0xFF}, []byte{0x62}},
		{[]byte{0xFF}, nil},
	}

	for _, c := range cases {
		got := prefixUpperBound(c.in)
		if !bytes.Equal(got, c.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", c.in, got, c.want)
		}
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, _ := s.Get([]byte("k"))
	if string(got) != "v" {
		t.Errorf("after reopen got %q, want %q", got, "v")
	}
}
