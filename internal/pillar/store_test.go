package pillar

import (
	"bytes"
	"testing"

	"bitrepo/internal/security"
	"bitrepo/internal/storage"
)

// newTestStore creates a file store in a temporary directory.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return NewFileStore(db)
}

func TestFileStore(t *testing.T) {
	s := newTestStore(t)

	sum, err := s.Put("books", "f1", []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if !bytes.Equal(sum, security.Checksum([]byte("hello"))) {
		t.Error("put returned wrong checksum")
	}

	data, got, err := s.Get("books", "f1")
	if err != nil || string(data) != "hello" || !bytes.Equal(got, sum) {
		t.Fatalf("get: %q %x %v", data, got, err)
	}

	if ok, _ := s.Has("music", "f1"); ok {
		t.Error("file visible in another collection")
	}

	if err := s.Delete("books", "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if data, sum, _ := s.Get("books", "f1"); data != nil || sum != nil {
		t.Error("file still present after delete")
	}
}

// TestFileStoreListing tests listing per collection in id order.
func TestFileStoreListing(t *testing.T) {
	s := newTestStore(t)

	s.Put("books", "b", []byte("2"))
	s.Put("books", "a", []byte("1"))
	s.Put("books2", "z", []byte("3"))

	ids, err := s.FileIDs("books")
	if err != nil {
		t.Fatalf("file ids: %v", err)
	}

	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids: got %v, want [a b]", ids)
	}

	sums, _ := s.Checksums("books")
	if len(sums) != 2 || !bytes.Equal(sums[1].Checksum, security.Checksum([]byte("2"))) {
		t.Errorf("unexpected checksums: %+v", sums)
	}

	if n, _ := s.Count("books2"); n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}
}

// TestFileStoreEmptyFile tests that an empty file exists.
func TestFileStoreEmptyFile(t *testing.T) {
	s := newTestStore(t)

	s.Put("books", "empty", nil)

	data, sum, err := s.Get("books", "empty")
	if err != nil || data == nil || sum == nil {
		t.Fatalf("empty file lost: %v %v %v", data, sum, err)
	}
}
