package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initMinionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initMinionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS minions (
			id TEXT PRIMARY KEY,
			parent_minion_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_minions_parent ON minions (parent_minion_id);`,
		`CREATE INDEX IF NOT EXISTS idx_minions_status ON minions (status);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init minion schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Edit loads every row FOR UPDATE inside one transaction, runs the mutator,
// and writes the delta back. Row locks serialize concurrent editors so a
// stream-end handler and a recovery pass cannot lose each other's updates.
func (s *PostgresStore) Edit(ctx context.Context, fn func(recs map[string]*Record) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, payload FROM minions FOR UPDATE`)
	if err != nil {
		return fmt.Errorf("load minions: %w", err)
	}
	recs := make(map[string]*Record)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan minion: %w", err)
		}
		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			rows.Close()
			return fmt.Errorf("decode minion %q: %w", id, err)
		}
		recs[id] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load minions: %w", err)
	}

	before := make(map[string]struct{}, len(recs))
	for id := range recs {
		before[id] = struct{}{}
	}

	if err := fn(recs); err != nil {
		return err
	}

	for id, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode minion %q: %w", id, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO minions (id, parent_minion_id, status, payload)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE
			 SET parent_minion_id = EXCLUDED.parent_minion_id,
			     status = EXCLUDED.status,
			     payload = EXCLUDED.payload`,
			id, r.ParentMinionID, string(r.Status), payload)
		if err != nil {
			return fmt.Errorf("upsert minion %q: %w", id, err)
		}
		delete(before, id)
	}
	for id := range before {
		if _, err := tx.Exec(ctx, `DELETE FROM minions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete minion %q: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM minions WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get minion %q: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("decode minion %q: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM minions`)
	if err != nil {
		return nil, fmt.Errorf("list minions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan minion: %w", err)
		}
		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode minion: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM minions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove minion %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
