package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/scenergy/autoscaler/pkg/retry"
	"github.com/scenergy/autoscaler/pkg/utils"
	"go.uber.org/zap"
)

// PostgresInspector counts backlog rows in the jobs table with a single
// aggregate query. The table is owned by the job producers and workers; this
// side only ever reads it.
type PostgresInspector struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
	table  string
}

var _ Inspector = (*PostgresInspector)(nil)

// NewPostgresInspector connects to the job database.
// Environment variables:
//   - POSTGRES_URL: connection string (default: "postgres://localhost:5432/postgres")
//   - JOBS_TABLE: job table name (default: "jobs")
func NewPostgresInspector(ctx context.Context, logger *zap.Logger) (*PostgresInspector, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")
	table := utils.Env("JOBS_TABLE", "jobs")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}

	// The inspector runs one aggregate query per tick; a small pool is plenty.
	config.MinConns = 2
	config.MaxConns = 10
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 2 * time.Minute

	var pool *pgxpool.Pool
	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		p, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}
		if pingErr := p.Ping(connCtx); pingErr != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		pool = p
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	logger.Info("Connected to job database",
		zap.String("table", table),
		zap.Int32("max_conns", config.MaxConns))

	return &PostgresInspector{
		Logger: logger,
		Pool:   pool,
		table:  table,
	}, nil
}

// QueueDepth runs one grouped count over the unfinished job states. Failures
// propagate to the caller; the reconciler treats them as "skip this tick".
func (p *PostgresInspector) QueueDepth(ctx context.Context) (Depth, error) {
	query := fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s WHERE status IN ('pending', 'processing') GROUP BY status`,
		pgx.Identifier{p.table}.Sanitize(),
	)

	rows, err := p.Pool.Query(ctx, query)
	if err != nil {
		return Depth{}, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()

	var d Depth
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Depth{}, fmt.Errorf("scan queue depth row: %w", err)
		}
		switch status {
		case "pending":
			d.Pending = int(count)
		case "processing":
			d.Processing = int(count)
		}
	}
	if err := rows.Err(); err != nil {
		return Depth{}, fmt.Errorf("read queue depth rows: %w", err)
	}
	return d, nil
}

func (p *PostgresInspector) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *PostgresInspector) Close() {
	p.Pool.Close()
}
