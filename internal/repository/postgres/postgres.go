package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.MetricEventRepository = (*Repository)(nil)
	_ repository.RollupRepository      = (*Repository)(nil)
)

// InsertEvent appends one metric event. The event's ID and CreatedAt are
// populated from the inserted row.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.MetricEvent) error {
	if event == nil {
		return fmt.Errorf("metric event required")
	}
	if event.Kind == "" || strings.TrimSpace(event.Name) == "" {
		return repository.ErrInvalidArgument
	}
	var metadata any
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = encoded
	}
	const query = `INSERT INTO metric_events (
		kind,
		name,
		duration_ms,
		path,
		method,
		metadata,
		created_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,COALESCE($7, NOW())
	) RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		string(event.Kind),
		strings.TrimSpace(event.Name),
		floatPtrToNil(event.DurationMS),
		nilIfEmpty(event.Path),
		nilIfEmpty(event.Method),
		metadata,
		nilTime(event.CreatedAt),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// ListEvents returns a filtered page of raw events plus the total match count.
func (r *Repository) ListEvents(ctx context.Context, filter repository.EventFilter) ([]domain.MetricEvent, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	where := `WHERE ($1 = '' OR kind = $1)
		AND ($2 = '' OR name ILIKE '%' || $2 || '%')
		AND ($3 = '' OR path ILIKE '%' || $3 || '%')
		AND ($4::timestamptz IS NULL OR created_at >= $4)`
	args := []any{
		string(filter.Kind),
		strings.TrimSpace(filter.Name),
		strings.TrimSpace(filter.Path),
		nilTime(filter.Since),
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM metric_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, kind, name, duration_ms, path, method, metadata, created_at
	FROM metric_events ` + where + `
	ORDER BY created_at DESC, id DESC
	LIMIT $5 OFFSET $6`
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ListEventsSince returns events of the given kinds newer than since, oldest
// first, for read-side aggregation.
func (r *Repository) ListEventsSince(ctx context.Context, kinds []domain.MetricKind, since time.Time, limit int) ([]domain.MetricEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	const query = `SELECT id, kind, name, duration_ms, path, method, metadata, created_at
	FROM metric_events
	WHERE kind = ANY($1) AND created_at >= $2
	ORDER BY created_at ASC, id ASC
	LIMIT $3`
	rows, err := r.pool.Query(ctx, query, names, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteEventsBefore removes events older than cutoff and reports how many
// rows were dropped. Used only by the retention sweep.
func (r *Repository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM metric_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEvents(rows pgx.Rows) ([]domain.MetricEvent, error) {
	events := make([]domain.MetricEvent, 0)
	for rows.Next() {
		var (
			e        domain.MetricEvent
			kind     string
			duration sql.NullFloat64
			path     sql.NullString
			method   sql.NullString
			metadata []byte
		)
		if err := rows.Scan(
			&e.ID,
			&kind,
			&e.Name,
			&duration,
			&path,
			&method,
			&metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Kind = domain.MetricKind(kind)
		if duration.Valid {
			value := duration.Float64
			e.DurationMS = &value
		}
		if path.Valid {
			e.Path = path.String
		}
		if method.Valid {
			e.Method = method.String
		}
		if len(metadata) > 0 {
			decoded := make(map[string]any)
			if err := json.Unmarshal(metadata, &decoded); err == nil {
				e.Metadata = decoded
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertRollups writes aggregated buckets produced by the sink's flush loop.
func (r *Repository) UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	const query = `INSERT INTO metric_rollups (
		kind,
		name,
		bucket_start,
		bucket_span_seconds,
		count,
		error_count,
		avg_ms,
		p50_ms,
		p95_ms,
		p99_ms,
		max_ms,
		updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()
	) ON CONFLICT (kind, name, bucket_start, bucket_span_seconds)
	DO UPDATE SET
		count = metric_rollups.count + EXCLUDED.count,
		error_count = metric_rollups.error_count + EXCLUDED.error_count,
		avg_ms = EXCLUDED.avg_ms,
		p50_ms = EXCLUDED.p50_ms,
		p95_ms = EXCLUDED.p95_ms,
		p99_ms = EXCLUDED.p99_ms,
		max_ms = EXCLUDED.max_ms,
		updated_at = NOW()`
	batch := &pgx.Batch{}
	for _, rollup := range rollups {
		spanSeconds := int(rollup.BucketSpan.Seconds())
		if spanSeconds <= 0 {
			spanSeconds = 60
		}
		batch.Queue(query,
			string(rollup.Kind),
			rollup.Name,
			rollup.BucketStart,
			spanSeconds,
			rollup.Count,
			rollup.ErrorCount,
			floatPtrToNil(rollup.AvgMS),
			floatPtrToNil(rollup.P50MS),
			floatPtrToNil(rollup.P95MS),
			floatPtrToNil(rollup.P99MS),
			floatPtrToNil(rollup.MaxMS),
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rollups {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRollups returns persisted buckets, newest first.
func (r *Repository) ListRollups(ctx context.Context, kind domain.MetricKind, name string, bucketSpan time.Duration, limit int) ([]domain.MetricRollup, error) {
	if limit <= 0 {
		limit = 100
	}
	spanSeconds := int(bucketSpan.Seconds())
	if spanSeconds <= 0 {
		spanSeconds = 60
	}
	const query = `SELECT
		kind,
		name,
		bucket_start,
		bucket_span_seconds,
		count,
		error_count,
		avg_ms,
		p50_ms,
		p95_ms,
		p99_ms,
		max_ms,
		updated_at
	FROM metric_rollups
	WHERE bucket_span_seconds = $1
		AND ($2 = '' OR kind = $2)
		AND ($3 = '' OR name = $3)
	ORDER BY bucket_start DESC
	LIMIT $4`
	rows, err := r.pool.Query(ctx, query, spanSeconds, string(kind), strings.TrimSpace(name), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rollups := make([]domain.MetricRollup, 0)
	for rows.Next() {
		var (
			rollup                   domain.MetricRollup
			kindValue                string
			spanValue                int
			avg, p50, p95, p99, maxV sql.NullFloat64
		)
		if err := rows.Scan(
			&kindValue,
			&rollup.Name,
			&rollup.BucketStart,
			&spanValue,
			&rollup.Count,
			&rollup.ErrorCount,
			&avg,
			&p50,
			&p95,
			&p99,
			&maxV,
			&rollup.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rollup.Kind = domain.MetricKind(kindValue)
		if spanValue > 0 {
			rollup.BucketSpan = time.Duration(spanValue) * time.Second
		}
		rollup.AvgMS = nullToPtr(avg)
		rollup.P50MS = nullToPtr(p50)
		rollup.P95MS = nullToPtr(p95)
		rollup.P99MS = nullToPtr(p99)
		rollup.MaxMS = nullToPtr(maxV)
		rollups = append(rollups, rollup)
	}
	return rollups, rows.Err()
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}
