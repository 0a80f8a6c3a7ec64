package quicbus

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// replayWindow is how long a frame hash is remembered.
	replayWindow = 5 * time.Second

	// replaySweepInterval is the delay between expiry sweeps.
	replaySweepInterval = time.Second
)

// replayFilter drops frames that were already received within replayWindow.
// Frames are identified by their blake3 hash.
type replayFilter struct {
	seen map[[32]byte]time.Time // seen maps frame hash to first sighting
	mu   sync.Mutex             // mu protects seen
	stop chan struct{}          // stop ends the sweeper
	once sync.Once              // once guards stop
	wg   sync.WaitGroup
}

// newReplayFilter creates a filter and starts its sweeper.
func newReplayFilter() *replayFilter {
	f := &replayFilter{
		seen: make(map[[32]byte]time.Time),
		stop: make(chan struct{}),
	}

	f.wg.Add(1)
	go f.sweep()

	return f
}

// fresh reports whether data has not been seen recently, and records it.
func (f *replayFilter) fresh(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if at, ok := f.seen[hash]; ok && now.Sub(at) < replayWindow {
		return false
	}

	f.seen[hash] = now

	return true
}

// close stops the sweeper. It is safe to call more than once.
func (f *replayFilter) close() {
	f.once.Do(func() { close(f.stop) })
	f.wg.Wait()
}

// sweep periodically forgets expired hashes.
func (f *replayFilter) sweep() {
	defer f.wg.Done()

	ticker := time.NewTicker(replaySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case now := <-ticker.C:
			f.mu.Lock()
			for hash, at := range f.seen {
				if now.Sub(at) >= replayWindow {
					delete(f.seen, hash)
				}
			}
			f.mu.Unlock()
		}
	}
}
