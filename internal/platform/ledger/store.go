package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists entries, chain tips and archival checkpoints. Entries are
// never updated; Archive is the only path that removes them.
type Store interface {
	ChainState(ctx context.Context, orgID string) (ChainState, bool, error)
	Tail(ctx context.Context, orgID string) (Entry, bool, error)
	// Commit writes e and advances the chain tip to it atomically. It returns
	// ErrSequenceConflict when e.SequenceNum is already taken.
	Commit(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, orgID, entryID string) (Entry, error)
	// Scan calls fn for each matching entry in ascending sequence order and
	// stops at the first error or context cancellation.
	Scan(ctx context.Context, f Filter, fn func(Entry) error) error
	// List returns up to limit matching entries with sequence below beforeSeq
	// (unbounded when zero), newest first.
	List(ctx context.Context, f Filter, beforeSeq int64, limit int) ([]Entry, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Orgs(ctx context.Context) ([]string, error)
	Checkpoint(ctx context.Context, orgID string) (Checkpoint, bool, error)
	// Archive records cp and removes entries up to cp.ToSeq in one unit.
	Archive(ctx context.Context, cp Checkpoint) error
}

type memOrg struct {
	entries    []Entry
	state      ChainState
	hasState   bool
	checkpoint *Checkpoint
}

// MemoryStore is an in-process Store used in tests and when no database is
// configured.
type MemoryStore struct {
	mu         sync.RWMutex
	orgs       map[string]*memOrg
	byID       map[string]Entry
	failCommit error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: map[string]*memOrg{}, byID: map[string]Entry{}}
}

func (s *MemoryStore) org(orgID string) *memOrg {
	o, ok := s.orgs[orgID]
	if !ok {
		o = &memOrg{}
		s.orgs[orgID] = o
	}
	return o
}

func (s *MemoryStore) ChainState(_ context.Context, orgID string) (ChainState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok || !o.hasState {
		return ChainState{}, false, nil
	}
	return o.state, true, nil
}

func (s *MemoryStore) Tail(_ context.Context, orgID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok || len(o.entries) == 0 {
		return Entry{}, false, nil
	}
	return o.entries[len(o.entries)-1], true, nil
}

func (s *MemoryStore) Commit(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCommit; err != nil {
		s.failCommit = nil
		return err
	}
	o := s.org(e.OrgID)
	if o.hasState && o.state.LastSequenceNum >= e.SequenceNum {
		return fmt.Errorf("org %s seq %d: %w", e.OrgID, e.SequenceNum, ErrSequenceConflict)
	}
	if n := len(o.entries); n > 0 && o.entries[n-1].SequenceNum >= e.SequenceNum {
		return fmt.Errorf("org %s seq %d: %w", e.OrgID, e.SequenceNum, ErrSequenceConflict)
	}
	o.entries = append(o.entries, e)
	o.state = ChainState{OrgID: e.OrgID, LastSequenceNum: e.SequenceNum, LastHash: e.EntryHash}
	o.hasState = true
	s.byID[e.EntryID] = e
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, orgID, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[entryID]
	if !ok || e.OrgID != orgID {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

// snapshot copies the matching entries so callbacks run without the lock.
func (s *MemoryStore) snapshot(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[f.OrgID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) Scan(ctx context.Context, f Filter, fn func(Entry) error) error {
	for _, e := range s.snapshot(f) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, beforeSeq int64, limit int) ([]Entry, error) {
	all := s.snapshot(f)
	out := make([]Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq > 0 && all[i].SequenceNum >= beforeSeq {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	return int64(len(s.snapshot(f))), nil
}

func (s *MemoryStore) Orgs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Checkpoint(_ context.Context, orgID string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok || o.checkpoint == nil {
		return Checkpoint{}, false, nil
	}
	return *o.checkpoint, true, nil
}

func (s *MemoryStore) Archive(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.org(cp.OrgID)
	kept := o.entries[:0:0]
	for _, e := range o.entries {
		if e.SequenceNum <= cp.ToSeq {
			delete(s.byID, e.EntryID)
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	c := cp
	o.checkpoint = &c
	return nil
}

// Corrupt rewrites a stored entry in place, simulating tampering at rest.
func (s *MemoryStore) Corrupt(orgID string, seq int64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return false
	}
	for i := range o.entries {
		if o.entries[i].SequenceNum == seq {
			mutate(&o.entries[i])
			s.byID[o.entries[i].EntryID] = o.entries[i]
			return true
		}
	}
	return false
}

// FailNextCommit makes the next Commit return err without writing.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

// RewindChainState sets the persisted tip without touching entries,
// simulating a crash between the entry write and the tip update.
func (s *MemoryStore) RewindChainState(cs ChainState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.org(cs.OrgID)
	o.state = cs
	o.hasState = cs.LastSequenceNum > 0
}
