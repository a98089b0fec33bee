// Package snapshot provides the copy-on-write decision snapshot store.
//
// The feed manager publishes a new immutable view per active round; scorer
// calls read whatever version is current without blocking publishers. The
// store is a plain atomic pointer swap over an immutable map: publishers
// build a fresh map, readers dereference.
package snapshot

import (
	"sync/atomic"
	"time"

	"updown-bot/pkg/types"
)

type versioned struct {
	seq   uint64
	taken time.Time
	byCID map[string]types.Snapshot
}

// Store holds the latest snapshot per active round.
type Store struct {
	cur atomic.Pointer[versioned]
	seq atomic.Uint64
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&versioned{byCID: map[string]types.Snapshot{}})
	return s
}

// Publish atomically replaces the whole view. The caller hands over
// ownership of snaps and must not mutate it afterwards.
func (s *Store) Publish(snaps map[string]types.Snapshot) {
	v := &versioned{
		seq:   s.seq.Add(1),
		taken: time.Now(),
		byCID: snaps,
	}
	s.cur.Store(v)
}

// PublishOne swaps in a new version with a single round updated. The rest of
// the view is carried over by copy.
func (s *Store) PublishOne(cid string, snap types.Snapshot) {
	old := s.cur.Load()
	next := make(map[string]types.Snapshot, len(old.byCID)+1)
	for k, v := range old.byCID {
		next[k] = v
	}
	next[cid] = snap
	s.Publish(next)
}

// Get returns the current snapshot for a round. The second result is false
// when no snapshot has been published for the cid.
func (s *Store) Get(cid string) (types.Snapshot, bool) {
	v := s.cur.Load()
	snap, ok := v.byCID[cid]
	return snap, ok
}

// Seq returns the monotonically increasing publish sequence, useful for
// change detection without comparing snapshots.
func (s *Store) Seq() uint64 {
	return s.cur.Load().seq
}

// Age returns how old the current published view is.
func (s *Store) Age() time.Duration {
	v := s.cur.Load()
	if v.taken.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(v.taken)
}
