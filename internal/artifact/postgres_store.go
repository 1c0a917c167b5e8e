package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps a run's artifacts as rows in a shared Postgres table.
type PostgresStore struct {
	db      *sql.DB
	runID   string
	changes notifier

	schemaOnce sync.Once
	schemaErr  error
}

// OpenPostgres connects with the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, runID string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	return &PostgresStore{db: db, runID: runID}, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS foreman_artifacts (
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    content BYTEA NOT NULL DEFAULT ''::bytea,
    producer TEXT NOT NULL DEFAULT '',
    size BIGINT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    PRIMARY KEY (run_id, key)
);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Put(ctx context.Context, key string, content []byte, producer string) error {
	if err := ValidateKey(key, false); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO foreman_artifacts (run_id, key, content, producer, size, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, key)
DO UPDATE SET content=EXCLUDED.content, producer=EXCLUDED.producer, size=EXCLUDED.size, updated_at=EXCLUDED.updated_at
`, s.runID, key, content, producer, int64(len(content)), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.changes.notify(key)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Location: s.Locate(key)}
	err := s.db.QueryRowContext(ctx,
		`SELECT content, producer, size, updated_at FROM foreman_artifacts WHERE run_id=$1 AND key=$2`,
		s.runID, key,
	).Scan(&rec.Content, &rec.Producer, &rec.Size, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM foreman_artifacts WHERE run_id=$1 AND key=$2`, s.runID, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM foreman_artifacts WHERE run_id=$1 AND left(key, length($2)) = $2 ORDER BY key`,
		s.runID, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan artifact key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Locate returns a descriptive URI; rows have no filesystem location.
func (s *PostgresStore) Locate(key string) string {
	return "postgres://foreman_artifacts/" + s.runID + "/" + strings.TrimLeft(key, "/")
}

func (s *PostgresStore) OnChange(fn func(key string)) func() {
	return s.changes.subscribe(fn)
}
