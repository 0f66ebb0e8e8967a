// Package inflight tracks the sources currently being harvested by this process.
//
// The set is the only purely in-memory shared state of the harvester. It is
// consulted by crash recovery and the reaper so they never touch rows a live
// harvest in the same process is still writing. Reads are best-effort: a stale
// "not in flight" answer is tolerated because recovery deletes are keyed on the
// exact (source, generation) pair and the source lock is re-checked in the store.
package inflight

import (
	"sort"
	"sync"
)

// Set is a mutex-guarded set of source hashes. The zero value is not usable;
// construct it with New and share the pointer.
type Set struct {
	mu      sync.Mutex
	sources map[int64]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{sources: make(map[int64]struct{})}
}

// TryAdd adds hash and reports whether it was absent.
func (s *Set) TryAdd(hash int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[hash]; ok {
		return false
	}
	s.sources[hash] = struct{}{}
	return true
}

// Remove deletes hash. Removing an absent hash is a no-op.
func (s *Set) Remove(hash int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, hash)
}

// Contains reports whether hash is currently in the set.
func (s *Set) Contains(hash int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[hash]
	return ok
}

// Len returns the number of sources in the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Snapshot returns the members in ascending order.
func (s *Set) Snapshot() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.sources))
	for h := range s.sources {
		out = append(out, h)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
