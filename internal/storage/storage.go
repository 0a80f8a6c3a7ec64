package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the default block cache size (16 MB).
	defaultCacheSize = 16 << 20
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Options tunes a Storage instance. Zero values select defaults.
type Options struct {
	CacheSize    int64         // CacheSize is the block cache size in bytes
	SyncInterval time.Duration // SyncInterval is the delay between background WAL syncs
}

// Storage is a key-value store backed by Pebble.
// Writes are NoSync; a background goroutine syncs the WAL periodically
// and Close performs a final sync.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	interval time.Duration // interval is the WAL sync period
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens (or creates) a store at path with default options.
func New(path string) (*Storage, error) {
	return Open(path, Options{})
}

// Open opens (or creates) a store at path.
func Open(path string, o Options) (*Storage, error) {
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}

	if o.SyncInterval <= 0 {
		o.SyncInterval = defaultSyncInterval
	}

	cache := pebble.NewCache(o.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                8 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Storage{
		db:       db,
		interval: o.SyncInterval,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get returns a copy of the value for key, or nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	closer.Close()

	return true, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically stores multiple key-value pairs.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// DeleteBatch atomically removes multiple keys.
func (s *Storage) DeleteBatch(keys [][]byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// DeletePrefix removes every key starting with prefix.
func (s *Storage) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		return fmt.Errorf("refusing to delete unbounded prefix %x", prefix)
	}

	return s.db.DeleteRange(prefix, upper, pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix in key order.
// An empty prefix visits the whole store. Key and value are only valid during fn.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	var opts *pebble.IterOptions
	if len(prefix) > 0 {
		opts = &pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixUpperBound(prefix),
		}
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// CountPrefix returns the number of keys with the given prefix.
func (s *Storage) CountPrefix(prefix []byte) (int, error) {
	n := 0

	err := s.IteratePrefix(prefix, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, syncs the WAL and closes the database.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
