package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Store with a pgx connection pool.
func NewPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (p *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		p.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Write inserts a record, retrying transient failures with exponential
// backoff before giving up. The error surfaced after exhausting retries is
// still local to the caller.
func (p *Postgres) Write(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s/%s: %w", rec.Kind, rec.Key, err)
	}

	op := func() error {
		_, execErr := p.db.Exec(ctx, `
			INSERT INTO records (kind, key, payload, created_at)
			VALUES ($1, $2, $3, $4)`,
			rec.Kind, rec.Key, payload, rec.CreatedAt,
		)
		return execErr
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("write record %s/%s: %w", rec.Kind, rec.Key, err)
	}
	return nil
}

// Query returns records matching the filter, oldest first.
func (p *Postgres) Query(ctx context.Context, f Filter) ([]Record, error) {
	q := `SELECT kind, key, payload, created_at FROM records WHERE 1=1`
	var args []interface{}
	if f.Kind != "" {
		args = append(args, f.Kind)
		q += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.KeyPrefix != "" {
		args = append(args, f.KeyPrefix+"%")
		q += fmt.Sprintf(" AND key LIKE $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	q += " ORDER BY created_at"

	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.Kind, &rec.Key, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload %s/%s: %w", rec.Kind, rec.Key, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}
