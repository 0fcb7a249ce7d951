// internal/event/nats.go
// Package event publishes run lifecycle events to NATS JetStream.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
)

const (
	// StreamName is the JetStream stream holding run events.
	StreamName = "USCORE_RUNS"
	// SubjectPrefix prefixes every run event subject.
	SubjectPrefix = "uscore.runs"

	dedupWindow = 2 * time.Minute
)

// Publisher publishes run events. It is also a report.Sink.
type Publisher interface {
	PublishRunCompleted(ctx context.Context, r *report.Report) error
	Consume(ctx context.Context, r *report.Report) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishRunCompleted(context.Context, *report.Report) error { return nil }
func (noop) Consume(context.Context, *report.Report) error             { return nil }
func (noop) Close() error                                              { return nil }

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      jetStream
	metrics *metrics.Metrics

	mu    sync.Mutex
	dedup map[string]time.Time // run id to last publish time
	now   func() time.Time
}

// NewPublisher connects to the NATS server at url and ensures the run stream
// exists. An empty url, or any connection failure, yields a no-op publisher.
func NewPublisher(url string) Publisher {
	if url == "" {
		return NewNoop()
	}

	nc, err := nats.Connect(url, nats.Name("uscore-conformance"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return NewNoop()
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return NewNoop()
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return NewNoop()
	}

	return newNatsPub(nc, js)
}

func newNatsPub(nc *nats.Conn, js jetStream) *natsPub {
	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: metrics.NewMetrics(),
		dedup:   make(map[string]time.Time),
		now:     time.Now,
	}
}

// initStream creates the run stream. JetStream drops a message whose
// Nats-Msg-Id repeats within the duplicate window.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// EventEnvelope wraps every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// RunCompleted is the payload of a run completed event.
type RunCompleted struct {
	RunID      string         `json:"runId"`
	SuiteID    string         `json:"suiteId"`
	Target     string         `json:"target,omitempty"`
	Status     model.Status   `json:"status"`
	Summary    report.Summary `json:"summary"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Subject returns the subject run events of suiteID are published on.
func Subject(suiteID string) string {
	// Subject tokens may not contain '.', '*', '>' or whitespace.
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, suiteID)
	return fmt.Sprintf("%s.%s.completed", SubjectPrefix, token)
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// recentlyPublished reports whether runID was published within the dedup window.
func (p *natsPub) recentlyPublished(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.dedup[runID]
	return ok && p.now().Sub(last) < dedupWindow
}

func (p *natsPub) markPublished(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[runID] = now
}

// PublishRunCompleted publishes a summary of r on Subject(r.SuiteID).
// Publishing the same run twice within two minutes sends one message.
func (p *natsPub) PublishRunCompleted(ctx context.Context, r *report.Report) error {
	if p.recentlyPublished(r.RunID) {
		return nil
	}

	subject := Subject(r.SuiteID)
	envelope := EventEnvelope{
		Type:          "uscore.runs.completed",
		Version:       "1.0.0",
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload: RunCompleted{
			RunID:      r.RunID,
			SuiteID:    r.SuiteID,
			Target:     r.Target,
			Status:     r.Status,
			Summary:    r.Summary,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		},
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.js.Publish(subject, b, nats.MsgId(r.RunID), nats.Context(ctx))
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.EventPublishTotal.WithLabelValues("run.completed", status).Inc()
	p.metrics.EventPublishDuration.WithLabelValues("run.completed", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.markPublished(r.RunID)
	return nil
}

// Consume implements report.Sink.
func (p *natsPub) Consume(ctx context.Context, r *report.Report) error {
	return p.PublishRunCompleted(ctx, r)
}
