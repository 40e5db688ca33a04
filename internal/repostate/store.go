// Package repostate tracks the materialization state of every repository
// observed by the filesystem. It is the single source of truth for "is
// this repository ready to read" and owns the at-most-one-lease-per-key
// guarantee.
package repostate

import (
	"sync"
	"time"

	"github.com/xmonader/githubfuse/internal/vpath"
)

// Status is the materialization state of one repository.
type Status int

const (
	// StatusNotCloned means the key has been observed but never cloned.
	StatusNotCloned Status = iota
	// StatusCloning means a lease holder is cloning or refreshing.
	StatusCloning
	// StatusReady means a working copy exists at LocalRoot.
	StatusReady
	// StatusFailed means the last clone or refresh failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCloning:
		return "cloning"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "not-cloned"
	}
}

// State is a point-in-time snapshot of one repository's record.
type State struct {
	Status      Status
	LocalRoot   string    // absolute path of the working copy, kept across failed refreshes
	LastSynced  time.Time // last successful clone or refresh
	LastAttempt time.Time // last completed attempt, success or failure
	LastErr     error     // set while Status is StatusFailed
	Failures    int       // consecutive failures, reset on success
}

// Lease is the exclusivity token held by the single task cloning or
// refreshing a key. Waiters block on Done.
type Lease struct {
	key  vpath.Key
	done chan struct{}
}

// Key returns the repository the lease covers.
func (l *Lease) Key() vpath.Key {
	return l.key
}

// Done is closed when the lease holder completes or fails.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// record is the store-internal mutable state for one key. Its mutex
// serializes transitions for that key only; unrelated repositories never
// contend.
type record struct {
	mu    sync.Mutex
	state State
	lease *Lease
}

// Store maps repository keys to their records. Records are created on
// first observation and never deleted while the process runs: a failed
// repository stays addressable and retryable.
type Store struct {
	invalidate func(vpath.Key) // runs inside Ready/Failed transitions, may be nil

	mu    sync.RWMutex
	repos map[vpath.Key]*record
}

// New creates a store. invalidate, when non-nil, is called under the
// per-key lock whenever a repository leaves or re-enters Ready, so cache
// invalidation is ordered before any observer of the new state.
func New(invalidate func(vpath.Key)) *Store {
	return &Store{
		invalidate: invalidate,
		repos:      make(map[vpath.Key]*record),
	}
}

// lookup returns the record for key, creating it if unseen. Concurrent
// first-time lookups observe exactly one created record.
func (s *Store) lookup(key vpath.Key) *record {
	s.mu.RLock()
	rec, ok := s.repos[key]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.repos[key]; ok {
		return rec
	}
	rec = &record{}
	s.repos[key] = rec
	return rec
}

// Get returns a snapshot of the repository's state, creating a NotCloned
// record if the key is unseen.
func (s *Store) Get(key vpath.Key) State {
	rec := s.lookup(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Begin attempts to acquire the clone lease for key. On success it
// transitions the record to Cloning and returns a fresh lease. If another
// task already holds the lease, Begin returns it as existing so the
// caller can wait on its completion.
func (s *Store) Begin(key vpath.Key) (lease, existing *Lease) {
	rec := s.lookup(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lease != nil {
		return nil, rec.lease
	}

	rec.state.Status = StatusCloning
	rec.lease = &Lease{key: key, done: make(chan struct{})}
	return rec.lease, nil
}

// Complete transitions Cloning to Ready, records the working copy root,
// and releases the lease. Directory cache entries under the key are
// invalidated inside the same transition.
func (s *Store) Complete(lease *Lease, localRoot string) {
	rec := s.lookup(lease.key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lease != lease {
		return
	}

	now := time.Now()
	rec.state.Status = StatusReady
	rec.state.LocalRoot = localRoot
	rec.state.LastSynced = now
	rec.state.LastAttempt = now
	rec.state.LastErr = nil
	rec.state.Failures = 0
	rec.lease = nil

	if s.invalidate != nil {
		s.invalidate(lease.key)
	}
	close(lease.done)
}

// Fail transitions Cloning to Failed, records the error, and releases the
// lease. A previously established LocalRoot is kept so the old working
// copy stays servable across a failed refresh.
func (s *Store) Fail(lease *Lease, err error) {
	rec := s.lookup(lease.key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lease != lease {
		return
	}

	rec.state.Status = StatusFailed
	rec.state.LastErr = err
	rec.state.LastAttempt = time.Now()
	rec.state.Failures++
	rec.lease = nil

	if s.invalidate != nil {
		s.invalidate(lease.key)
	}
	close(lease.done)
}

// Release abandons a lease without recording an attempt: the status is
// recomputed from the record's fields and no invalidation runs. Used when
// the holder discovers there is nothing to do, e.g. the repository was
// refreshed by a racing caller between the staleness check and Begin.
func (s *Store) Release(lease *Lease) {
	rec := s.lookup(lease.key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lease != lease {
		return
	}

	switch {
	case rec.state.LastErr != nil:
		rec.state.Status = StatusFailed
	case rec.state.LocalRoot != "":
		rec.state.Status = StatusReady
	default:
		rec.state.Status = StatusNotCloned
	}
	rec.lease = nil
	close(lease.done)
}

// Owners returns the distinct owners of all observed keys, for root
// directory listings.
func (s *Store) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var owners []string
	for key := range s.repos {
		if !seen[key.Owner] {
			seen[key.Owner] = true
			owners = append(owners, key.Owner)
		}
	}
	return owners
}

// ReadyCount returns the number of repositories currently Ready.
func (s *Store) ReadyCount() int {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.repos))
	for _, rec := range s.repos {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	count := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state.Status == StatusReady {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}
