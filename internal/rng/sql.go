package rng

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// SQLStore keeps commits and the draw journal in postgres. Idempotency rides
// the unique indexes: the day primary key for commits and
// (case_id, user_id, nonce) for draws.
type SQLStore struct {
	db *sql.DB
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS rng_seed_commits (
	day_utc          TEXT PRIMARY KEY,
	server_seed_hash TEXT NOT NULL UNIQUE,
	server_seed      TEXT,
	committed_at     TIMESTAMPTZ NOT NULL,
	revealed_at      TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS rng_draws (
	id               BIGSERIAL PRIMARY KEY,
	case_id          TEXT NOT NULL,
	user_id          BIGINT NOT NULL,
	nonce            TEXT NOT NULL,
	server_seed_hash TEXT NOT NULL REFERENCES rng_seed_commits (server_seed_hash),
	roll_hex         TEXT NOT NULL,
	ppm              BIGINT NOT NULL,
	result_item_id   TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (case_id, user_id, nonce)
);`

// NewSQLStore opens the database and ensures the schema.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rng db open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rng db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("rng db schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the pool so other stores can share the connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) InsertCommit(ctx context.Context, c SeedCommit) (SeedCommit, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rng_seed_commits (day_utc, server_seed_hash, server_seed, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (day_utc) DO NOTHING`,
		c.DayUTC, c.ServerSeedHash, c.ServerSeed, c.CommittedAt)
	if err != nil {
		return SeedCommit{}, false, fmt.Errorf("insert commit: %w", err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.GetCommit(ctx, c.DayUTC)
	if err != nil {
		return SeedCommit{}, false, err
	}
	if stored == nil {
		return SeedCommit{}, false, fmt.Errorf("insert commit: row vanished for day %s", c.DayUTC)
	}
	return *stored, n > 0, nil
}

func (s *SQLStore) GetCommit(ctx context.Context, day string) (*SeedCommit, error) {
	var c SeedCommit
	var seed sql.NullString
	var revealed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT day_utc, server_seed_hash, server_seed, committed_at, revealed_at
		FROM rng_seed_commits WHERE day_utc = $1`, day).
		Scan(&c.DayUTC, &c.ServerSeedHash, &seed, &c.CommittedAt, &revealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	c.ServerSeed = seed.String
	if revealed.Valid {
		t := revealed.Time
		c.RevealedAt = &t
	}
	return &c, nil
}

func (s *SQLStore) Reveal(ctx context.Context, day, seed string, at time.Time) error {
	cur, err := s.GetCommit(ctx, day)
	if err != nil {
		return err
	}
	if cur == nil {
		return ErrNoCommit
	}
	if cur.ServerSeed != "" && cur.ServerSeed != seed {
		return ErrAlreadyRevealed
	}
	if cur.Revealed() {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE rng_seed_commits SET server_seed = $2, revealed_at = $3
		WHERE day_utc = $1 AND revealed_at IS NULL`, day, seed, at)
	if err != nil {
		return fmt.Errorf("reveal: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertDraw(ctx context.Context, d DrawRecord) (DrawRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rng_draws (case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id, user_id, nonce) DO NOTHING`,
		d.CaseID, d.UserID, d.Nonce, d.ServerSeedHash, d.RollHex, d.Ppm, d.ResultItemID, d.CreatedAt)
	if err != nil {
		return DrawRecord{}, false, fmt.Errorf("insert draw: %w", err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.GetDraw(ctx, d.CaseID, d.UserID, d.Nonce)
	if err != nil {
		return DrawRecord{}, false, err
	}
	if stored == nil {
		return DrawRecord{}, false, fmt.Errorf("insert draw: row vanished for %s/%d", d.CaseID, d.UserID)
	}
	return *stored, n > 0, nil
}

func (s *SQLStore) GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (*DrawRecord, error) {
	var d DrawRecord
	var item sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at
		FROM rng_draws WHERE case_id = $1 AND user_id = $2 AND nonce = $3`,
		caseID, userID, nonce).
		Scan(&d.CaseID, &d.UserID, &d.Nonce, &d.ServerSeedHash, &d.RollHex, &d.Ppm, &item, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get draw: %w", err)
	}
	d.ResultItemID = item.String
	return &d, nil
}
