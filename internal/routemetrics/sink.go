package routemetrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/polyrelay/polyrelay/internal/store"
)

// ClickHouseSink writes finalized minute buckets to a ClickHouse table for
// long-horizon routing analytics.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects to ClickHouse and ensures the history table
// exists. addr is host:port; table defaults to route_metrics_history.
func NewClickHouseSink(ctx context.Context, addr, database, username, password, table string) (*ClickHouseSink, error) {
	if table == "" {
		table = "route_metrics_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket DateTime,
		logical_model LowCardinality(String),
		provider_id LowCardinality(String),
		model_id LowCardinality(String),
		key_id String,
		requests UInt64,
		errors UInt64,
		p50_ms Float64,
		p95_ms Float64,
		p99_ms Float64,
		input_tokens UInt64,
		output_tokens UInt64,
		cost_units Float64,
		status LowCardinality(String)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(bucket)
	ORDER BY (logical_model, provider_id, bucket)`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ddl: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// FlushBuckets inserts rows as one batch. Errors are logged and swallowed;
// metrics history loss must never affect request handling.
func (s *ClickHouseSink) FlushBuckets(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		slog.WarnContext(ctx, "clickhouse_batch_prepare_failed", slog.String("error", err.Error()))
		return nil
	}
	for _, r := range rows {
		err := batch.Append(
			r.Bucket, r.LogicalModel, r.ProviderID, r.ModelID, r.KeyID,
			uint64(r.Requests), uint64(r.Errors),
			r.P50Ms, r.P95Ms, r.P99Ms,
			uint64(r.InputTokens), uint64(r.OutputTokens),
			r.CostUnits, r.Status,
		)
		if err != nil {
			slog.WarnContext(ctx, "clickhouse_batch_append_failed", slog.String("error", err.Error()))
			return nil
		}
	}
	if err := batch.Send(); err != nil {
		slog.WarnContext(ctx, "clickhouse_batch_send_failed",
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// SQLiteSink is the fallback history sink when ClickHouse is not configured.
type SQLiteSink struct {
	store *store.SQLiteStore
}

// NewSQLiteSink wraps the system-of-record as a metrics sink.
func NewSQLiteSink(st *store.SQLiteStore) *SQLiteSink {
	return &SQLiteSink{store: st}
}

// FlushBuckets persists rows to the route_metrics_history table. Errors are
// logged and swallowed.
func (s *SQLiteSink) FlushBuckets(ctx context.Context, rows []Row) error {
	batch := make([]store.RouteMetricsRow, len(rows))
	for i, r := range rows {
		batch[i] = store.RouteMetricsRow{
			Bucket: r.Bucket, LogicalModel: r.LogicalModel,
			ProviderID: r.ProviderID, ModelID: r.ModelID, KeyID: r.KeyID,
			Requests: r.Requests, Errors: r.Errors,
			P50Ms: r.P50Ms, P95Ms: r.P95Ms, P99Ms: r.P99Ms,
			InputTokens: r.InputTokens, OutputTokens: r.OutputTokens,
			CostUnits: r.CostUnits, Status: r.Status,
		}
	}
	if err := s.store.InsertRouteMetrics(ctx, batch); err != nil {
		slog.WarnContext(ctx, "route_metrics_flush_failed",
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
