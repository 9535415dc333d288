package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"spendsense/internal/model"
)

// MemoryStore keeps traces in process. Every trace is stored and returned as
// a deep copy.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*userTraces
	nextID int64
}

type userTraces struct {
	mu      sync.Mutex
	entries []memoryEntry
}

type memoryEntry struct {
	seq   int64
	trace model.DecisionTrace
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userTraces)}
}

func (s *MemoryStore) user(userID string, create bool) *userTraces {
	s.mu.RLock()
	u := s.users[userID]
	s.mu.RUnlock()
	if u != nil || !create {
		return u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u = s.users[userID]; u == nil {
		u = &userTraces{}
		s.users[userID] = u
	}
	return u
}

func (s *MemoryStore) seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Append stores a copy of trace.
func (s *MemoryStore) Append(ctx context.Context, trace model.DecisionTrace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := newRecord(trace); err != nil {
		return err
	}
	stored, err := copyTrace(trace)
	if err != nil {
		return err
	}

	u := s.user(trace.UserID, true)
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range u.entries {
		if e.trace.TraceID == trace.TraceID {
			return fmt.Errorf("%w: %s", ErrDuplicateTrace, trace.TraceID)
		}
	}
	u.entries = append(u.entries, memoryEntry{seq: s.seq(), trace: stored})
	return nil
}

// Latest returns the user's current trace.
func (s *MemoryStore) Latest(ctx context.Context, userID string) (model.DecisionTrace, error) {
	history, err := s.History(ctx, userID, 1)
	if err != nil {
		return model.DecisionTrace{}, err
	}
	if len(history) == 0 {
		return model.DecisionTrace{}, ErrNotFound
	}
	return history[0], nil
}

// History returns the user's traces, newest first. limit <= 0 returns all.
func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]model.DecisionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := s.user(userID, false)
	if u == nil {
		return []model.DecisionTrace{}, nil
	}

	u.mu.Lock()
	entries := slices.Clone(u.entries)
	u.mu.Unlock()

	sortNewestFirst(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]model.DecisionTrace, 0, len(entries))
	for _, e := range entries {
		trace, err := copyTrace(e.trace)
		if err != nil {
			return nil, err
		}
		out = append(out, trace)
	}
	return out, nil
}

// List returns the current trace of every user matching filter, by user id.
func (s *MemoryStore) List(ctx context.Context, filter model.TraceFilter) ([]model.DecisionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	out := []model.DecisionTrace{}
	for _, id := range ids {
		if filter.UserID != "" && id != filter.UserID {
			continue
		}
		current, err := s.Latest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(current) {
			continue
		}
		out = append(out, current)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Purge deletes every trace of the user.
func (s *MemoryStore) Purge(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	u := s.user(userID, false)
	if u == nil {
		return 0, nil
	}
	u.mu.Lock()
	removed := int64(len(u.entries))
	u.entries = nil
	u.mu.Unlock()
	return removed, nil
}

// PruneSuperseded deletes non-current traces generated before the cutoff.
func (s *MemoryStore) PruneSuperseded(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	users := make([]*userTraces, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	var removed int64
	for _, u := range users {
		u.mu.Lock()
		if len(u.entries) > 1 {
			sortNewestFirst(u.entries)
			kept := u.entries[:1]
			for _, e := range u.entries[1:] {
				if e.trace.GeneratedAt.Before(before) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			u.entries = kept
		}
		u.mu.Unlock()
	}
	return removed, nil
}

func sortNewestFirst(entries []memoryEntry) {
	slices.SortFunc(entries, func(a, b memoryEntry) int {
		if c := b.trace.GeneratedAt.Compare(a.trace.GeneratedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
}

var _ TraceStore = (*MemoryStore)(nil)
