// internal/server/mux.go
// Package server implements the HTTP validator service and the report query API.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/schema"
	"github.com/RegistryAccord/uscore-conformance-go/internal/storage"
	"github.com/RegistryAccord/uscore-conformance-go/internal/telemetry"
)

// ContextKey is used for request-scoped context values.
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId"

	// DefaultMaxBodyBytes bounds the resource accepted by /validate.
	DefaultMaxBodyBytes = 10 << 20
)

// Options configures the service.
type Options struct {
	Validator          *schema.Validator // Required
	Reports            storage.Store     // Enables /v1/reports when set
	CORSAllowedOrigins []string          // Empty denies cross-origin requests
	MaxBodyBytes       int64
}

// Mux serves the validator and report endpoints.
type Mux struct {
	router  *mux.Router
	opts    Options
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewMux builds the service handler.
func NewMux(opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	m := &Mux{
		router:  mux.NewRouter(),
		opts:    opts,
		metrics: metrics.NewMetrics(),
		tracer:  telemetry.Tracer("github.com/RegistryAccord/uscore-conformance-go/internal/server"),
	}

	m.router.Use(m.withCorrelationID, m.withRequestLog)

	m.router.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	m.router.HandleFunc("/readyz", m.handleReadyz).Methods(http.MethodGet)
	m.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	m.router.HandleFunc("/validate", m.handleValidate).Methods(http.MethodPost)
	m.router.HandleFunc("/profiles", m.handleProfiles).Methods(http.MethodGet)

	if opts.Reports != nil {
		m.router.HandleFunc("/v1/reports", m.handleListReports).Methods(http.MethodGet)
		m.router.HandleFunc("/v1/reports/{runId}", m.handleGetReport).Methods(http.MethodGet)
	}

	m.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.writeErrorDef(w, r, errordefs.Newf(errordefs.USC_NOT_FOUND, "no route for %s", r.URL.Path))
	})
	m.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := errordefs.New(errordefs.USC_INVALID_INPUT, "method not allowed")
		err.HTTPStatus = http.StatusMethodNotAllowed
		m.writeErrorDef(w, r, err)
	})

	// rs/cors treats an empty origin list as "*".
	if len(opts.CORSAllowedOrigins) == 0 {
		return m.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id"},
		MaxAge:         86400,
	})
	return c.Handler(m.router)
}

// withCorrelationID propagates or assigns X-Correlation-Id.
func (m *Mux) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)))
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog logs and counts every request by route template.
func (m *Mux) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start))
	})
}

func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if id := correlationID(r); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes data inside the {"data": ...} envelope.
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes err inside the {"error": ...} envelope.
func (m *Mux) writeErrorDef(w http.ResponseWriter, r *http.Request, err *errordefs.Error) {
	err.CorrelationID = correlationID(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": err})
}

// writeError maps any error to the envelope, defaulting to USC_INTERNAL.
func (m *Mux) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errordefs.Error
	if !errors.As(err, &e) {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		e = errordefs.New(errordefs.USC_INTERNAL, "internal error")
	}
	m.writeErrorDef(w, r, e)
}

func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once profiles are loaded and the report store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if m.opts.Validator == nil || len(m.opts.Validator.Profiles()) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if m.opts.Reports != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := m.opts.Reports.Ping(ctx); err != nil {
			slog.Warn("report store not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleValidate handles POST /validate?profile=<canonical>. The response is
// an OperationOutcome; conformance problems are issues, not HTTP errors.
func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "validate")
	defer span.End()
	defer r.Body.Close()

	profile := r.URL.Query().Get("profile")
	span.SetAttributes(attribute.String("profile", profile))
	if profile == "" {
		span.SetStatus(codes.Error, "profile is required")
		m.writeErrorDef(w, r, errordefs.New(errordefs.USC_INVALID_INPUT, "profile query parameter is required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, m.opts.MaxBodyBytes+1))
	if err != nil {
		m.writeErrorDef(w, r, errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "failed to read resource"))
		return
	}
	if int64(len(body)) > m.opts.MaxBodyBytes {
		m.writeErrorDef(w, r, errordefs.Newf(errordefs.USC_INVALID_INPUT, "resource exceeds %d bytes", m.opts.MaxBodyBytes))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		m.writeErrorDef(w, r, errordefs.New(errordefs.USC_INVALID_INPUT, "request body is empty"))
		return
	}

	out, err := m.opts.Validator.Validate(ctx, body, profile)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Bool("valid", out.Valid()), attribute.Int("issues", len(out.Issue)))

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (m *Mux) handleProfiles(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.opts.Validator.Profiles())
}

// handleListReports handles GET /v1/reports?suite=&limit=&cursor=.
func (m *Mux) handleListReports(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "listReports")
	defer span.End()

	q := storage.ReportQuery{
		SuiteID: r.URL.Query().Get("suite"),
		Cursor:  r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > storage.MaxListLimit {
			m.writeErrorDef(w, r, errordefs.Newf(errordefs.USC_INVALID_INPUT, "limit must be between 1 and %d", storage.MaxListLimit))
			return
		}
		q.Limit = limit
	}

	page, err := m.opts.Reports.ListReports(ctx, q)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErrorDef(w, r, errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "failed to list reports"))
		return
	}
	m.writeSuccess(w, http.StatusOK, page)
}

// handleGetReport handles GET /v1/reports/{runId}?format=json|yaml|text.
func (m *Mux) handleGetReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "getReport")
	defer span.End()

	runID := mux.Vars(r)["runId"]
	span.SetAttributes(attribute.String("run.id", runID))

	rep, err := m.opts.Reports.GetReport(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, r, errordefs.Newf(errordefs.USC_NOT_FOUND, "report %s not found", runID))
			return
		}
		span.SetStatus(codes.Error, err.Error())
		m.writeError(w, r, err)
		return
	}

	switch format := report.Format(r.URL.Query().Get("format")); format {
	case "", report.FormatJSON:
		m.writeSuccess(w, http.StatusOK, rep)
	case report.FormatYAML, report.FormatText:
		var buf bytes.Buffer
		if err := report.Write(&buf, rep, format); err != nil {
			m.writeError(w, r, err)
			return
		}
		contentType := "text/plain; charset=utf-8"
		if format == report.FormatYAML {
			contentType = "application/yaml"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		m.writeErrorDef(w, r, errordefs.Newf(errordefs.USC_INVALID_INPUT, "unsupported format %q", format))
	}
}
