package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	code_hash    TEXT NOT NULL,
	source       TEXT NOT NULL,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	reason       TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_session_idx ON security_events (session_id);
CREATE INDEX IF NOT EXISTS security_events_created_idx ON security_events (created_at DESC);`

// DB wraps a PostgreSQL connection pool for the security audit.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the connection pool. Zero values keep the defaults.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// New creates a new database connection pool and ensures the schema.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	prepare(event)

	query := `
		INSERT INTO security_events (id, session_id, execution_id, code_hash,
			source, type, severity, reason, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.SessionID, event.ExecutionID, event.CodeHash,
		event.Source, event.Type, event.Severity,
		truncateForDB(event.Reason, 1024), event.Line, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// ListSecurityEvents queries events, newest first.
func (db *DB) ListSecurityEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error) {
	query := `
		SELECT id, session_id, execution_id, code_hash, source, type,
			severity, reason, line, created_at
		FROM security_events
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR severity = $2)
		  AND ($3 = '' OR source = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	rows, err := db.pool.Query(ctx, query,
		filter.SessionID, filter.Severity, filter.Source, filter.Since,
		clampLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var results []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.ExecutionID, &ev.CodeHash,
			&ev.Source, &ev.Type, &ev.Severity, &ev.Reason, &ev.Line,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning security event row: %w", err)
		}
		results = append(results, ev)
	}

	return results, rows.Err()
}

func prepare(event *SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
}

func clampLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
