// Package sqlstore is the durable match backend. It runs on Postgres through lib/pq or
// on SQLite through modernc.org/sqlite; both share one schema and go through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/park285/match-core/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Expirer = (*Store)(nil)
)

// Open connects with driver (postgres or sqlite), pings and migrates.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required for %s match store", driver)
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases coherent and serializes writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New migrates db and returns a store on it.
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	if err := applyMigrations(ctx, db, migrationFS, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sql %s: %w: %w", op, storage.ErrUnavailable, err)
}

type matchRow struct {
	State        string `db:"state"`
	InitialState string `db:"initial_state"`
	Metadata     string `db:"metadata"`
}

// expiresAt derives the durable expiry from setupData.ttlSeconds, NULL when unbounded.
func expiresAt(md *storage.MatchMetadata) sql.NullInt64 {
	ttl := storage.ParseSetupData(md.SetupData).TTL()
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: md.CreatedAt + int64(ttl)*1000, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *Store) CreateMatch(ctx context.Context, matchID string, data storage.CreateMatchData) error {
	if !storage.ValidMatchID(matchID) || data.InitialState == nil || data.Metadata == nil {
		return storage.ErrInvalidArgs
	}
	state, err := json.Marshal(data.InitialState)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(data.Metadata)
	if err != nil {
		return err
	}
	md := data.Metadata
	q := s.db.Rebind(`INSERT INTO matches (
        match_id, game_name, state, initial_state, metadata,
        gameover, created_at, updated_at, expires_at
      ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
      ON CONFLICT (match_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q,
		matchID, md.GameName, string(state), string(state), string(meta),
		boolInt(md.IsGameover()), md.CreatedAt, md.UpdatedAt, expiresAt(md),
	)
	if err != nil {
		return unavailable("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("create", err)
	}
	if n == 0 {
		return storage.ErrMatchExists
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, matchID string, state *storage.StoredMatchState, deltaLog ...storage.LogEntry) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("set state", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE matches SET state = ? WHERE match_id = ?`), string(raw), matchID)
	if err != nil {
		return unavailable("set state", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("set state", err)
	} else if n == 0 {
		return storage.ErrNotFound
	}

	if len(deltaLog) > 0 {
		var seq int64
		if err := tx.GetContext(ctx, &seq, s.db.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM match_logs WHERE match_id = ?`), matchID); err != nil {
			return unavailable("set state", err)
		}
		insert := s.db.Rebind(`INSERT INTO match_logs (match_id, seq, entry) VALUES (?, ?, ?)`)
		for _, e := range deltaLog {
			entry, err := json.Marshal(e)
			if err != nil {
				return err
			}
			seq++
			if _, err := tx.ExecContext(ctx, insert, matchID, seq, string(entry)); err != nil {
				return unavailable("append log", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("set state", err)
	}
	return nil
}

func (s *Store) SetMetadata(ctx context.Context, matchID string, metadata *storage.MatchMetadata) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE matches SET
        game_name = ?, metadata = ?, gameover = ?, updated_at = ?, expires_at = ?
      WHERE match_id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		metadata.GameName, string(raw), boolInt(metadata.IsGameover()), metadata.UpdatedAt, expiresAt(metadata),
		matchID,
	)
	if err != nil {
		return unavailable("set metadata", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set metadata", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	out := &storage.FetchResult{}
	if !opts.State && !opts.Metadata && !opts.InitialState && !opts.Log {
		return out, nil
	}
	var row matchRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT state, initial_state, metadata FROM matches WHERE match_id = ?`), matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, unavailable("fetch", err)
	}

	if opts.State {
		out.State = new(storage.StoredMatchState)
		if err := json.Unmarshal([]byte(row.State), out.State); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
	}
	if opts.InitialState {
		out.InitialState = new(storage.StoredMatchState)
		if err := json.Unmarshal([]byte(row.InitialState), out.InitialState); err != nil {
			return nil, fmt.Errorf("decode initial state: %w", err)
		}
	}
	if opts.Metadata {
		out.Metadata = new(storage.MatchMetadata)
		if err := json.Unmarshal([]byte(row.Metadata), out.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if opts.Log {
		var entries []string
		if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`SELECT entry FROM match_logs WHERE match_id = ? ORDER BY seq`), matchID); err != nil {
			return nil, unavailable("fetch log", err)
		}
		out.Log = make([]storage.LogEntry, 0, len(entries))
		for _, raw := range entries {
			var e storage.LogEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("decode log entry: %w", err)
			}
			out.Log = append(out.Log, e)
		}
	}
	return out, nil
}

func (s *Store) Wipe(ctx context.Context, matchID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("wipe", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM match_logs WHERE match_id = ?`), matchID); err != nil {
		return unavailable("wipe", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM matches WHERE match_id = ?`), matchID); err != nil {
		return unavailable("wipe", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("wipe", err)
	}
	return nil
}

func (s *Store) ListMatches(ctx context.Context, filter *storage.ListFilter) ([]string, error) {
	var (
		where []string
		args  []any
	)
	if filter != nil {
		if filter.GameName != "" {
			where = append(where, "game_name = ?")
			args = append(args, filter.GameName)
		}
		if filter.IsGameover != nil {
			where = append(where, "gameover = ?")
			args = append(args, boolInt(*filter.IsGameover))
		}
		if filter.UpdatedBefore != nil {
			where = append(where, "updated_at < ?")
			args = append(args, *filter.UpdatedBefore)
		}
		if filter.UpdatedAfter != nil {
			where = append(where, "updated_at > ?")
			args = append(args, *filter.UpdatedAfter)
		}
	}
	q := `SELECT match_id FROM matches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY match_id`

	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(q), args...); err != nil {
		return nil, unavailable("list", err)
	}
	return ids, nil
}

// CleanupExpired deletes matches whose setupData.ttlSeconds has elapsed since creation.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	defer func() { _ = tx.Rollback() }()

	logs := s.db.Rebind(`DELETE FROM match_logs WHERE match_id IN (
        SELECT match_id FROM matches WHERE expires_at IS NOT NULL AND expires_at <= ?)`)
	if _, err := tx.ExecContext(ctx, logs, now); err != nil {
		return 0, unavailable("cleanup", err)
	}
	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM matches WHERE expires_at IS NOT NULL AND expires_at <= ?`), now)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("cleanup", err)
	}
	return int(n), nil
}
