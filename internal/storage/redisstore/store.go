// Package redisstore keeps ephemeral matches in Redis as JSON blobs so guest matches
// survive a process restart when several server instances share one Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/match-core/internal/storage"
)

const DefaultTTL = 24 * time.Hour

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing client. ttl is refreshed on every write; zero disables expiry.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Dial connects to redisURL (redis:// or rediss://) and pings it.
func Dial(ctx context.Context, redisURL string, ttl time.Duration) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis match store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, ttl), nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func keyMeta(id string) string    { return "match:" + id + ":meta" }
func keyState(id string) string   { return "match:" + id + ":state" }
func keyInitial(id string) string { return "match:" + id + ":initial" }
func keyLog(id string) string     { return "match:" + id + ":log" }
func keyIndex() string            { return "match:index" }

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, storage.ErrUnavailable, err)
}

func (s *Store) CreateMatch(ctx context.Context, matchID string, data storage.CreateMatchData) error {
	if !storage.ValidMatchID(matchID) || data.InitialState == nil || data.Metadata == nil {
		return storage.ErrInvalidArgs
	}
	meta, err := json.Marshal(data.Metadata)
	if err != nil {
		return err
	}
	state, err := json.Marshal(data.InitialState)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, keyMeta(matchID), meta, s.ttl).Result()
	if err != nil {
		return unavailable("create", err)
	}
	if !ok {
		return storage.ErrMatchExists
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyState(matchID), state, s.ttl)
		p.Set(ctx, keyInitial(matchID), state, s.ttl)
		p.Del(ctx, keyLog(matchID))
		p.SAdd(ctx, keyIndex(), matchID)
		return nil
	})
	if err != nil {
		_ = s.rdb.Del(ctx, keyMeta(matchID)).Err()
		return unavailable("create", err)
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, matchID string, state *storage.StoredMatchState, deltaLog ...storage.LogEntry) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	entries := make([]any, 0, len(deltaLog))
	for _, e := range deltaLog {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		entries = append(entries, b)
	}

	n, err := s.rdb.Exists(ctx, keyMeta(matchID)).Result()
	if err != nil {
		return unavailable("set state", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyState(matchID), raw, s.ttl)
		if len(entries) > 0 {
			p.RPush(ctx, keyLog(matchID), entries...)
		}
		s.refresh(ctx, p, keyMeta(matchID), keyInitial(matchID), keyLog(matchID))
		return nil
	})
	if err != nil {
		return unavailable("set state", err)
	}
	return nil
}

func (s *Store) SetMetadata(ctx context.Context, matchID string, metadata *storage.MatchMetadata) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, keyMeta(matchID), raw, s.ttl).Result()
	if err != nil {
		return unavailable("set metadata", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	if s.ttl > 0 {
		_, _ = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			s.refresh(ctx, p, keyState(matchID), keyInitial(matchID), keyLog(matchID))
			return nil
		})
	}
	return nil
}

func (s *Store) refresh(ctx context.Context, p redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, k := range keys {
		p.Expire(ctx, k, s.ttl)
	}
}

func (s *Store) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	out := &storage.FetchResult{}
	if opts.State {
		st, err := s.loadState(ctx, keyState(matchID))
		if err != nil {
			return nil, err
		}
		out.State = st
	}
	if opts.InitialState {
		st, err := s.loadState(ctx, keyInitial(matchID))
		if err != nil {
			return nil, err
		}
		out.InitialState = st
	}
	var md *storage.MatchMetadata
	if opts.Metadata || opts.Log {
		var err error
		md, err = s.loadMeta(ctx, matchID)
		if err != nil {
			return nil, err
		}
	}
	if opts.Metadata {
		out.Metadata = md
	}
	if opts.Log && md != nil {
		raws, err := s.rdb.LRange(ctx, keyLog(matchID), 0, -1).Result()
		if err != nil {
			return nil, unavailable("fetch log", err)
		}
		out.Log = make([]storage.LogEntry, 0, len(raws))
		for _, r := range raws {
			var e storage.LogEntry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				return nil, fmt.Errorf("decode log entry: %w", err)
			}
			out.Log = append(out.Log, e)
		}
	}
	return out, nil
}

func (s *Store) loadState(ctx context.Context, key string) (*storage.StoredMatchState, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("fetch state", err)
	}
	var st storage.StoredMatchState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

func (s *Store) loadMeta(ctx context.Context, matchID string) (*storage.MatchMetadata, error) {
	raw, err := s.rdb.Get(ctx, keyMeta(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("fetch metadata", err)
	}
	var md storage.MatchMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

func (s *Store) Wipe(ctx context.Context, matchID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keyMeta(matchID), keyState(matchID), keyInitial(matchID), keyLog(matchID))
		p.SRem(ctx, keyIndex(), matchID)
		return nil
	})
	if err != nil {
		return unavailable("wipe", err)
	}
	return nil
}

// ListMatches walks the index. Ids whose metadata expired are pruned from the index.
func (s *Store) ListMatches(ctx context.Context, filter *storage.ListFilter) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyIndex()).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		md, err := s.loadMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		if md == nil {
			_ = s.rdb.SRem(ctx, keyIndex(), id).Err()
			continue
		}
		if filter.Match(md) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
