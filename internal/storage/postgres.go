// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
)

// postgres stores reports as JSONB documents with the summary columns
// needed for listing alongside.
type postgres struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewPostgres connects to the database at dsn and creates the schema if needed.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool, metrics: metrics.NewMetrics()}, nil
}

func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_reports (
		    run_id TEXT PRIMARY KEY,
		    suite_id TEXT NOT NULL,
		    target TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    summary JSONB NOT NULL,
		    report JSONB NOT NULL,
		    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    finished_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_run_reports_finished_at ON run_reports(finished_at DESC, run_id DESC);
		CREATE INDEX IF NOT EXISTS idx_run_reports_suite_finished_at ON run_reports(suite_id, finished_at DESC, run_id DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// observe records the outcome and duration of one storage operation.
func (p *postgres) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	p.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
	p.metrics.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) SaveReport(ctx context.Context, r *report.Report) (err error) {
	defer func(start time.Time) { p.observe("save_report", start, err) }(time.Now())

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `INSERT INTO run_reports (run_id, suite_id, target, status, summary, report, started_at, finished_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = p.db.Exec(ctx, query,
		r.RunID,
		r.SuiteID,
		r.Target,
		string(r.Status),
		summary,
		doc,
		r.StartedAt,
		r.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (p *postgres) GetReport(ctx context.Context, runID string) (_ *report.Report, err error) {
	defer func(start time.Time) { p.observe("get_report", start, err) }(time.Now())

	var doc []byte
	err = p.db.QueryRow(ctx, `SELECT report FROM run_reports WHERE run_id = $1`, runID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var r report.Report
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}

func (p *postgres) ListReports(ctx context.Context, q ReportQuery) (_ *ReportPage, err error) {
	defer func(start time.Time) { p.observe("list_reports", start, err) }(time.Now())

	baseQuery := `SELECT run_id, suite_id, target, status, summary, finished_at FROM run_reports WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if q.SuiteID != "" {
		baseQuery += fmt.Sprintf(" AND suite_id = $%d", argIndex)
		args = append(args, q.SuiteID)
		argIndex++
	}

	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND (finished_at < $%d OR (finished_at = $%d AND run_id < $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, time.Unix(0, c.FinishedAt).UTC(), c.RunID)
		argIndex += 2
	}

	limit := clampLimit(q.Limit)
	baseQuery += fmt.Sprintf(" ORDER BY finished_at DESC, run_id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1) // one extra row tells whether another page exists

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	page := &ReportPage{Reports: []ReportSummary{}}
	more := false
	for rows.Next() {
		var s ReportSummary
		var status string
		var summary []byte
		if err := rows.Scan(&s.RunID, &s.SuiteID, &s.Target, &status, &summary, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if len(page.Reports) == limit {
			more = true
			break
		}
		s.Status = model.Status(status)
		if err := json.Unmarshal(summary, &s.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		page.Reports = append(page.Reports, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	if more {
		last := page.Reports[len(page.Reports)-1]
		page.NextCursor = encodeCursor(last.FinishedAt, last.RunID)
	}
	return page, nil
}
