package lobby

import (
	"context"
	"sort"

	"github.com/park285/match-core/internal/storage"
)

// listPublic loads the public view of every match passing filter, newest first. Matches
// that disappear between list and fetch are skipped.
func listPublic(ctx context.Context, store storage.Store, filter *storage.ListFilter) ([]*storage.PublicMatch, error) {
	ids, err := store.ListMatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.PublicMatch, 0, len(ids))
	for _, id := range ids {
		res, err := store.Fetch(ctx, id, storage.FetchOpts{Metadata: true})
		if err != nil {
			return nil, err
		}
		if res.Metadata == nil {
			continue
		}
		out = append(out, storage.NewPublicMatch(id, res.Metadata))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].MatchID < out[j].MatchID
	})
	return out, nil
}
