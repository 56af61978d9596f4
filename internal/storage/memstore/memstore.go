// Package memstore is the in-process match backend used for guest matches.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/park285/match-core/internal/storage"
)

// Store keeps every record in maps guarded by one RWMutex. Values are copied on the
// way in and on the way out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	state    map[string]*storage.StoredMatchState
	initial  map[string]*storage.StoredMatchState
	metadata map[string]*storage.MatchMetadata
	log      map[string][]storage.LogEntry
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		state:    make(map[string]*storage.StoredMatchState),
		initial:  make(map[string]*storage.StoredMatchState),
		metadata: make(map[string]*storage.MatchMetadata),
		log:      make(map[string][]storage.LogEntry),
	}
}

func (s *Store) CreateMatch(ctx context.Context, matchID string, data storage.CreateMatchData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !storage.ValidMatchID(matchID) || data.InitialState == nil || data.Metadata == nil {
		return storage.ErrInvalidArgs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.metadata[matchID]; exists {
		return storage.ErrMatchExists
	}
	s.initial[matchID] = data.InitialState.Clone()
	s.state[matchID] = data.InitialState.Clone()
	s.metadata[matchID] = data.Metadata.Clone()
	return nil
}

func (s *Store) SetState(ctx context.Context, matchID string, state *storage.StoredMatchState, deltaLog ...storage.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[matchID]; !ok {
		return storage.ErrNotFound
	}
	if len(deltaLog) > 0 {
		s.log[matchID] = append(s.log[matchID], deltaLog...)
	}
	s.state[matchID] = state.Clone()
	return nil
}

func (s *Store) SetMetadata(ctx context.Context, matchID string, metadata *storage.MatchMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[matchID]; !ok {
		return storage.ErrNotFound
	}
	s.metadata[matchID] = metadata.Clone()
	return nil
}

func (s *Store) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &storage.FetchResult{}
	if opts.State {
		out.State = s.state[matchID].Clone()
	}
	if opts.Metadata {
		out.Metadata = s.metadata[matchID].Clone()
	}
	if opts.InitialState {
		out.InitialState = s.initial[matchID].Clone()
	}
	if opts.Log {
		if _, ok := s.metadata[matchID]; ok {
			out.Log = append([]storage.LogEntry{}, s.log[matchID]...)
		}
	}
	return out, nil
}

func (s *Store) Wipe(ctx context.Context, matchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, matchID)
	delete(s.initial, matchID)
	delete(s.metadata, matchID)
	delete(s.log, matchID)
	return nil
}

func (s *Store) ListMatches(ctx context.Context, filter *storage.ListFilter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.metadata))
	for id, md := range s.metadata {
		if filter.Match(md) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of stored matches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metadata)
}
