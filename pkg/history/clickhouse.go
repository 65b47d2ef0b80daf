package history

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/scenergy/autoscaler/pkg/retry"
	"github.com/scenergy/autoscaler/pkg/utils"
	"go.uber.org/zap"
)

// ClickHouseRecorder persists decisions to a MergeTree table for long-term
// observability while keeping an in-memory ring so /decisions stays cheap.
// Inserts are fire-and-forget: a failed write logs a warning and the tick
// moves on.
type ClickHouseRecorder struct {
	Logger *zap.Logger
	Db     driver.Conn

	db   string
	ring *MemoryRecorder
}

var _ Recorder = (*ClickHouseRecorder)(nil)

// NewClickHouseRecorder connects to ClickHouse and ensures the decisions
// table exists.
// Environment variables:
//   - CLICKHOUSE_ADDR: host:port (default: "localhost:9000")
//   - CLICKHOUSE_USER / CLICKHOUSE_PASSWORD: credentials (default: "default" / "")
//   - HISTORY_DB: target database (default: "autoscaler")
func NewClickHouseRecorder(ctx context.Context, logger *zap.Logger) (*ClickHouseRecorder, error) {
	connCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	addr := utils.Env("CLICKHOUSE_ADDR", "localhost:9000")
	db := utils.Env("HISTORY_DB", "autoscaler")

	options := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: utils.Env("CLICKHOUSE_USER", "default"),
			Password: utils.Env("CLICKHOUSE_PASSWORD", ""),
		},
		DialTimeout: 30 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	var conn driver.Conn
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		c, openErr := clickhouse.Open(options)
		if openErr != nil {
			return fmt.Errorf("failed to open clickhouse connection: %w", openErr)
		}
		if pingErr := c.Ping(connCtx); pingErr != nil {
			return fmt.Errorf("failed to ping clickhouse: %w", pingErr)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := &ClickHouseRecorder{
		Logger: logger,
		Db:     conn,
		db:     db,
		ring:   NewMemoryRecorder(100),
	}
	if err := r.initSchema(connCtx); err != nil {
		return nil, err
	}

	logger.Info("Connected to ClickHouse decision history",
		zap.String("addr", addr),
		zap.String("database", db))
	return r, nil
}

func (r *ClickHouseRecorder) initSchema(ctx context.Context) error {
	if err := r.Db.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", r.db)); err != nil {
		return fmt.Errorf("create history database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.scaling_decisions (
			ts DateTime64(3),
			queue_depth UInt32,
			current_workers UInt16,
			desired_workers UInt16,
			per_worker_rpm UInt32,
			reason String,
			error String
		) ENGINE = MergeTree
		ORDER BY ts
		TTL toDateTime(ts) + INTERVAL 30 DAY
	`, r.db)
	if err := r.Db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create scaling_decisions table: %w", err)
	}
	return nil
}

func (r *ClickHouseRecorder) Record(ctx context.Context, d Decision) {
	r.ring.Record(ctx, d)

	query := fmt.Sprintf(`
		INSERT INTO %s.scaling_decisions
			(ts, queue_depth, current_workers, desired_workers, per_worker_rpm, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.db)
	err := r.Db.AsyncInsert(ctx, query, false,
		d.Time,
		uint32(d.QueueDepth),
		uint16(d.CurrentWorkers),
		uint16(d.DesiredWorkers),
		uint32(d.PerWorkerRPM),
		d.Reason,
		d.Error,
	)
	if err != nil {
		r.Logger.Warn("Failed to persist scaling decision",
			zap.String("reason", d.Reason),
			zap.Error(err))
	}
}

func (r *ClickHouseRecorder) Recent(n int) []Decision {
	return r.ring.Recent(n)
}

func (r *ClickHouseRecorder) Close() error {
	return r.Db.Close()
}
