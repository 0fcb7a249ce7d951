// internal/runner/runner.go
// Package runner executes suites. One run walks the suite depth-first in
// declaration order and runs its tests one at a time; independent runs may
// proceed concurrently, each with its own inputs, request table and results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/fhir"
	"github.com/RegistryAccord/uscore-conformance-go/internal/inputs"
	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/smart"
	"github.com/RegistryAccord/uscore-conformance-go/internal/telemetry"
	"github.com/RegistryAccord/uscore-conformance-go/internal/validator"
)

// Options configures a Runner.
type Options struct {
	ValidatorURL         string              // Overrides the suite's validator binding when set
	Validator            validator.Validator // Used instead of an HTTP validator client when set
	HTTPClient           *http.Client        // Transport for FHIR, token and validator calls
	RequestTimeout       time.Duration       // Per FHIR request, including retries
	ValidatorTimeout     time.Duration       // Per validator call
	RetryMax             int                 // Retries for idempotent FHIR requests
	ValidatorConcurrency int                 // Concurrent validator calls per bundle
	Discovery            *smart.Client       // SMART discovery for token endpoints
	Sinks                []report.Sink       // Receive every finalized report
}

// Runner executes suites.
type Runner struct {
	opts    Options
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ValidatorTimeout <= 0 {
		opts.ValidatorTimeout = 60 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.Discovery == nil {
		opts.Discovery = smart.New(opts.HTTPClient)
	}
	return &Runner{
		opts:    opts,
		metrics: metrics.NewMetrics(),
		tracer:  telemetry.Tracer("github.com/RegistryAccord/uscore-conformance-go/internal/runner"),
	}
}

// Run executes suite against the provided inputs and returns the finalized
// report. Cancelling ctx stops the run between tests; every test that did not
// start is reported as skipped. Only an internal inconsistency returns an error.
func (r *Runner) Run(ctx context.Context, suite *model.Suite, provided map[string]string) (*report.Report, error) {
	runID := ulid.Make().String()
	logger := slog.With("runId", runID, "suite", suite.ID)
	agg := report.NewAggregator(runID, suite)

	ctx, span := r.tracer.Start(ctx, "run "+suite.ID)
	defer span.End()

	logger.Info("run started", "tests", len(suite.TestIDs()))
	start := time.Now()

	exec := &execution{
		runner:   r,
		suite:    suite,
		provided: provided,
		table:    fhir.NewRequestTable(),
		agg:      agg,
		logger:   logger,
	}

	scope, err := inputs.Resolve(suite.Inputs, provided, nil)
	if err != nil {
		exec.finishAll(suite.Groups, err)
	} else {
		agg.SetInputs(scope.Redacted())
		if err := exec.connect(ctx, scope); err != nil {
			logger.Error("failed to set up clients", "error", err)
			exec.finishAll(suite.Groups, err)
		} else {
			agg.SetTarget(exec.client.BaseURL())
			for _, g := range suite.Groups {
				exec.runGroup(ctx, g, scope)
			}
		}
	}

	rep, err := agg.Finalize()
	if err != nil {
		logger.Error("run incomplete", "error", err)
		return nil, err
	}

	r.metrics.RunTotal.WithLabelValues(suite.ID, string(rep.Status)).Inc()
	logger.Info("run finished",
		"status", rep.Status,
		"passed", rep.Summary.Passed,
		"failed", rep.Summary.Failed,
		"errored", rep.Summary.Errored,
		"skipped", rep.Summary.Skipped,
		"duration", time.Since(start),
	)

	for _, sink := range r.opts.Sinks {
		if err := sink.Consume(context.WithoutCancel(ctx), rep); err != nil {
			logger.Error("report sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
	return rep, nil
}

// Target is one independent run for RunMany.
type Target struct {
	Name   string            // Label for logs
	Suite  *model.Suite
	Inputs map[string]string
}

// RunMany executes independent runs concurrently, at most concurrency at a
// time. Reports are returned in the order of targets.
func (r *Runner) RunMany(ctx context.Context, targets []Target, concurrency int) ([]*report.Report, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]*report.Report, len(targets))

	p := pool.New().
		WithErrors().
		WithMaxGoroutines(concurrency).
		WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		p.Go(func(ctx context.Context) error {
			rep, err := r.Run(ctx, t.Suite, t.Inputs)
			if err != nil {
				return fmt.Errorf("run %s: %w", t.Name, err)
			}
			reports[i] = rep
			slog.Info("target completed", "target", t.Name, "runId", rep.RunID, "status", rep.Status)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// Classify maps the error returned by a test body to its terminal status.
func Classify(err error) model.Status {
	if err == nil {
		return model.StatusPass
	}
	switch errordefs.CodeOf(err) {
	case errordefs.USC_SKIP, errordefs.USC_MISSING_INPUT:
		return model.StatusSkip
	case errordefs.USC_ASSERTION, errordefs.USC_UNRESOLVED_REQUEST:
		return model.StatusFail
	default:
		return model.StatusError
	}
}

// messageOf renders err for a report without the error code prefix.
func messageOf(err error) string {
	var e *errordefs.Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
	return err.Error()
}
