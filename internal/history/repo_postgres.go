package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the Postgres connection pool. Zero values select defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.MinConns < 0 {
		out.MinConns = 0
	}
	if out.MaxConnLifetime <= 0 {
		out.MaxConnLifetime = 30 * time.Minute
	}
	if out.MaxConnIdleTime <= 0 {
		out.MaxConnIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres opens a pool and validates connectivity.
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	pc = pc.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = pc.MaxConnLifetime
	cfg.MaxConnIdleTime = pc.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pc.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id             BIGSERIAL PRIMARY KEY,
	created_at     TIMESTAMPTZ NOT NULL,
	phone          TEXT NOT NULL,
	prompt         TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	established    BOOLEAN NOT NULL DEFAULT FALSE,
	transcript     TEXT NOT NULL DEFAULT '',
	recording_path TEXT NOT NULL DEFAULT '',
	prompt_path    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT ''
)`

const selectColumns = `id, created_at, phone, prompt, duration_ms, established,
	transcript, recording_path, prompt_path, error`

// PostgresRepo stores records in the call_records table. Rows are only
// ever inserted.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo creates the table if needed.
func NewPostgresRepo(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepo, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create call_records: %w", err)
	}
	return &PostgresRepo{pool: pool}, nil
}

func (r *PostgresRepo) Add(ctx context.Context, rec Record) (Record, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO call_records
			(created_at, phone, prompt, duration_ms, established, transcript, recording_path, prompt_path, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rec.Timestamp, rec.Phone, rec.Prompt, rec.Duration.Milliseconds(), rec.Established,
		rec.Transcript, rec.RecordingPath, rec.PromptPath, rec.Error,
	).Scan(&rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("insert call record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM call_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get call record %d: %w", id, err)
	}
	return rec, nil
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM call_records ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec Record
		ms  int64
	)
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Phone, &rec.Prompt, &ms, &rec.Established,
		&rec.Transcript, &rec.RecordingPath, &rec.PromptPath, &rec.Error)
	rec.Duration = time.Duration(ms) * time.Millisecond
	return rec, err
}
