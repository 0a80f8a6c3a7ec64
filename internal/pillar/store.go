package pillar

import (
	"bytes"
	"fmt"

	"bitrepo/internal/security"
	"bitrepo/internal/storage"
	"bitrepo/internal/wire"
)

const (
	dataPrefix     = "f:" // dataPrefix keys file content: f:<collection>\x00<file>
	checksumPrefix = "c:" // checksumPrefix keys file checksums: c:<collection>\x00<file>
)

// FileStore holds file content and checksums per collection, backed by pebble.
// Content and checksum of a file are always written in one batch.
type FileStore struct {
	db *storage.Storage
}

// NewFileStore creates a file store on db.
func NewFileStore(db *storage.Storage) *FileStore {
	return &FileStore{db: db}
}

// Get returns the content and checksum of a file, or nil if absent.
func (s *FileStore) Get(collection, fileID string) ([]byte, []byte, error) {
	sum, err := s.Checksum(collection, fileID)
	if err != nil || sum == nil {
		return nil, nil, err
	}

	data, err := s.db.Get(fileKey(dataPrefix, collection, fileID))
	if err != nil {
		return nil, nil, fmt.Errorf("read file %s:\n%w", fileID, err)
	}

	if data == nil {
		data = []byte{}
	}

	return data, sum, nil
}

// Checksum returns the stored checksum of a file, or nil if absent.
func (s *FileStore) Checksum(collection, fileID string) ([]byte, error) {
	sum, err := s.db.Get(fileKey(checksumPrefix, collection, fileID))
	if err != nil {
		return nil, fmt.Errorf("read checksum %s:\n%w", fileID, err)
	}

	return sum, nil
}

// Has reports whether the file exists.
func (s *FileStore) Has(collection, fileID string) (bool, error) {
	return s.db.Has(fileKey(checksumPrefix, collection, fileID))
}

// Put stores a file and returns its checksum.
func (s *FileStore) Put(collection, fileID string, data []byte) ([]byte, error) {
	sum := security.Checksum(data)

	err := s.db.SetBatch([]storage.KeyValue{
		{Key: fileKey(dataPrefix, collection, fileID), Value: data},
		{Key: fileKey(checksumPrefix, collection, fileID), Value: sum},
	})
	if err != nil {
		return nil, fmt.Errorf("store file %s:\n%w", fileID, err)
	}

	return sum, nil
}

// Delete removes a file.
func (s *FileStore) Delete(collection, fileID string) error {
	err := s.db.DeleteBatch([][]byte{
		fileKey(dataPrefix, collection, fileID),
		fileKey(checksumPrefix, collection, fileID),
	})
	if err != nil {
		return fmt.Errorf("delete file %s:\n%w", fileID, err)
	}

	return nil
}

// Checksums lists every file of a collection with its checksum, in id order.
func (s *FileStore) Checksums(collection string) ([]wire.FileChecksum, error) {
	prefix := collectionPrefix(checksumPrefix, collection)

	var out []wire.FileChecksum

	err := s.db.IteratePrefix(prefix, func(key, value []byte) error {
		out = append(out, wire.FileChecksum{
			FileID:   string(key[len(prefix):]),
			Checksum: bytes.Clone(value),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checksums:\n%w", err)
	}

	return out, nil
}

// FileIDs lists the file ids of a collection in order.
func (s *FileStore) FileIDs(collection string) ([]string, error) {
	sums, err := s.Checksums(collection)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(sums))
	for i, fc := range sums {
		ids[i] = fc.FileID
	}

	return ids, nil
}

// Count returns the number of files in a collection.
func (s *FileStore) Count(collection string) (int, error) {
	return s.db.CountPrefix(collectionPrefix(checksumPrefix, collection))
}

// collectionPrefix builds <prefix><collection>\x00.
func collectionPrefix(prefix, collection string) []byte {
	key := make([]byte, 0, len(prefix)+len(collection)+1)
	key = append(key, prefix...)
	key = append(key, collection...)

	return append(key, 0)
}

// fileKey builds <prefix><collection>\x00<file>.
func fileKey(prefix, collection, fileID string) []byte {
	return append(collectionPrefix(prefix, collection), fileID...)
}
