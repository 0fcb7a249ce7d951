// internal/storage/memory.go
// Package storage persists finished run reports, in memory or in PostgreSQL.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // No report with that run id
	ErrConflict = errors.New("conflict")  // A report with that run id already exists
)

// Default limits for list operations
const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// Store persists reports. Implementations are safe for concurrent use.
type Store interface {
	SaveReport(ctx context.Context, r *report.Report) error                 // ErrConflict if the run id exists
	GetReport(ctx context.Context, runID string) (*report.Report, error)    // ErrNotFound if absent
	ListReports(ctx context.Context, q ReportQuery) (*ReportPage, error)    // Newest first
	Ping(ctx context.Context) error
	Close()
}

// ReportQuery selects a page of reports.
type ReportQuery struct {
	SuiteID string // Empty lists every suite
	Limit   int
	Cursor  string // NextCursor of the previous page
}

// ReportSummary is the listing view of a stored report.
type ReportSummary struct {
	RunID      string         `json:"runId"`
	SuiteID    string         `json:"suiteId"`
	Target     string         `json:"target,omitempty"`
	Status     model.Status   `json:"status"`
	Summary    report.Summary `json:"summary"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// ReportPage is one page of ListReports.
type ReportPage struct {
	Reports    []ReportSummary `json:"reports"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// Sink adapts a Store to a report sink.
func Sink(s Store) report.Sink {
	return report.SinkFunc(s.SaveReport)
}

func summarize(r *report.Report) ReportSummary {
	return ReportSummary{
		RunID:      r.RunID,
		SuiteID:    r.SuiteID,
		Target:     r.Target,
		Status:     r.Status,
		Summary:    r.Summary,
		FinishedAt: r.FinishedAt,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// cursor is the position after the last report of a page.
type cursor struct {
	FinishedAt int64  `json:"f"`
	RunID      string `json:"r"`
}

func encodeCursor(finishedAt time.Time, runID string) string {
	data, _ := json.Marshal(cursor{FinishedAt: finishedAt.UnixNano(), RunID: runID})
	return base64.URLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*cursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &c, nil
}

// memory implements Store for development and tests.
type memory struct {
	mu      sync.RWMutex
	reports map[string][]byte // run id to encoded report
	index   []ReportSummary
}

// NewMemory creates an in-memory Store.
func NewMemory() Store {
	return &memory{reports: make(map[string][]byte)}
}

func (m *memory) SaveReport(_ context.Context, r *report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[r.RunID]; exists {
		return ErrConflict
	}
	m.reports[r.RunID] = data
	m.index = append(m.index, summarize(r))
	return nil
}

// GetReport returns a decoded copy, so callers cannot alter the stored report.
func (m *memory) GetReport(_ context.Context, runID string) (*report.Report, error) {
	m.mu.RLock()
	data, ok := m.reports[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

func (m *memory) ListReports(_ context.Context, q ReportQuery) (*ReportPage, error) {
	var after *cursor
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		after = c
	}

	m.mu.RLock()
	filtered := make([]ReportSummary, 0, len(m.index))
	for _, s := range m.index {
		if q.SuiteID == "" || s.SuiteID == q.SuiteID {
			filtered = append(filtered, s)
		}
	}
	m.mu.RUnlock()

	// Newest first, run id breaks ties.
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].FinishedAt.Equal(filtered[j].FinishedAt) {
			return filtered[i].RunID > filtered[j].RunID
		}
		return filtered[i].FinishedAt.After(filtered[j].FinishedAt)
	})

	start := 0
	if after != nil {
		start = len(filtered)
		for i, s := range filtered {
			at := s.FinishedAt.UnixNano()
			if at < after.FinishedAt || (at == after.FinishedAt && s.RunID < after.RunID) {
				start = i
				break
			}
		}
	}

	limit := clampLimit(q.Limit)
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	page := &ReportPage{Reports: filtered[start:end]}
	if end < len(filtered) && end > start {
		last := page.Reports[len(page.Reports)-1]
		page.NextCursor = encodeCursor(last.FinishedAt, last.RunID)
	}
	return page, nil
}

func (m *memory) Ping(context.Context) error { return nil }

func (m *memory) Close() {}
