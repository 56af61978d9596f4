package lobby

import (
	"context"

	"github.com/park285/match-core/internal/storage"
)

// Notifier receives match list changes.
type Notifier interface {
	MatchCreated(matchID string, md *storage.MatchMetadata)
	MatchUpdated(matchID string, md *storage.MatchMetadata)
	MatchEnded(matchID, gameName string)
}

type observedStore struct {
	storage.Store
	n Notifier
}

// Observe wraps store so that successful creates, metadata writes and wipes are reported
// to n. State writes are not reported; the lobby only shows metadata.
func Observe(store storage.Store, n Notifier) storage.Store {
	return &observedStore{Store: store, n: n}
}

func (o *observedStore) CreateMatch(ctx context.Context, matchID string, data storage.CreateMatchData) error {
	if err := o.Store.CreateMatch(ctx, matchID, data); err != nil {
		return err
	}
	if data.Metadata != nil {
		o.n.MatchCreated(matchID, data.Metadata)
	}
	return nil
}

func (o *observedStore) SetMetadata(ctx context.Context, matchID string, md *storage.MatchMetadata) error {
	if err := o.Store.SetMetadata(ctx, matchID, md); err != nil {
		return err
	}
	o.n.MatchUpdated(matchID, md)
	return nil
}

func (o *observedStore) Wipe(ctx context.Context, matchID string) error {
	var gameName string
	if res, err := o.Store.Fetch(ctx, matchID, storage.FetchOpts{Metadata: true}); err == nil && res.Metadata != nil {
		gameName = res.Metadata.GameName
	}
	if err := o.Store.Wipe(ctx, matchID); err != nil {
		return err
	}
	o.n.MatchEnded(matchID, gameName)
	return nil
}

// Unwrap returns the underlying store.
func (o *observedStore) Unwrap() storage.Store { return o.Store }
