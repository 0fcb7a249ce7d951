package runner

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/fhir"
	"github.com/RegistryAccord/uscore-conformance-go/internal/inputs"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/validator"
)

const abortedMessage = "run aborted before this test started"

// execution is the state of one run. Nothing in it is shared with other runs.
type execution struct {
	runner    *Runner
	suite     *model.Suite
	provided  map[string]string
	client    *fhir.Client
	validator validator.Validator
	table     *fhir.RequestTable
	agg       *report.Aggregator
	logger    *slog.Logger
}

// connect builds the FHIR and validator clients from the suite scope.
// OAuth credentials take precedence over a bearer token.
func (e *execution) connect(ctx context.Context, scope *inputs.Scope) error {
	opts := e.runner.opts
	bind := e.suite.Client

	base := scope.Value(bind.URLInput)
	var auth fhir.Authorizer = fhir.NoAuth{}
	if raw, ok := scope.Lookup(bind.OAuthCredentialsInput); ok && bind.OAuthCredentialsInput != "" {
		creds, err := inputs.ParseOAuthCredentials(raw)
		if err != nil {
			return errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "invalid OAuth credentials")
		}
		oa, err := fhir.NewOAuthAuth(ctx, creds, base, opts.Discovery, opts.HTTPClient)
		if err != nil {
			return err
		}
		auth = oa
	} else if tok, ok := scope.Lookup(bind.BearerTokenInput); ok && bind.BearerTokenInput != "" {
		auth = fhir.BearerAuth(tok)
	}

	client, err := fhir.NewClient(base,
		fhir.WithAuthorizer(auth),
		fhir.WithHTTPClient(opts.HTTPClient),
		fhir.WithTimeout(opts.RequestTimeout),
		fhir.WithRetryMax(opts.RetryMax),
	)
	if err != nil {
		return err
	}
	e.client = client

	if opts.Validator != nil {
		e.validator = opts.Validator
	} else {
		url := e.suite.Validator.URL
		if opts.ValidatorURL != "" {
			url = opts.ValidatorURL
		}
		e.validator = validator.NewClient(url, opts.HTTPClient, opts.ValidatorTimeout)
	}
	return nil
}

// runGroup runs the tests of g and then its child groups.
func (e *execution) runGroup(ctx context.Context, g *model.Group, parent *inputs.Scope) {
	if ctx.Err() != nil {
		e.finishGroup(g, errordefs.New(errordefs.USC_SKIP, abortedMessage))
		return
	}

	scope, err := inputs.Resolve(g.Inputs, e.provided, parent)
	if err != nil {
		e.logger.Info("group not run", "group", g.ID, "reason", messageOf(err))
		e.finishGroup(g, err)
		return
	}

	for _, t := range g.Tests {
		e.runTest(ctx, t, scope)
	}
	for _, child := range g.Groups {
		e.runGroup(ctx, child, scope)
	}
}

// runTest drives one test from pending to a terminal state.
func (e *execution) runTest(ctx context.Context, t *model.Test, parent *inputs.Scope) {
	if ctx.Err() != nil {
		e.finish(t.ID, model.Result{Status: model.StatusSkip, Messages: []model.Message{{Type: model.MessageInfo, Text: abortedMessage}}})
		return
	}

	started := time.Now()
	result := model.Result{TestID: t.ID, StartedAt: started.UTC()}

	scope, err := inputs.Resolve(t.Inputs, e.provided, parent)
	if err != nil {
		result.Status = Classify(err)
		result.Messages = []model.Message{messageFor(result.Status, err)}
		e.finish(t.ID, result)
		return
	}

	if err := e.agg.MarkRunning(t.ID); err != nil {
		e.logger.Error("test state", "test", t.ID, "error", err)
	}

	// Tests are not cancelled once started; timeouts bound each external call.
	testCtx, span := e.runner.tracer.Start(context.WithoutCancel(ctx), "test "+t.ID, trace.WithAttributes(
		attribute.String("suite.id", e.suite.ID),
		attribute.String("test.id", t.ID),
	))

	rt := &runtime{exec: e, test: t, scope: scope}
	err = e.invoke(testCtx, t, rt)

	result.Status = Classify(err)
	result.Messages = rt.messages
	if err != nil {
		result.Messages = append(result.Messages, messageFor(result.Status, err))
	}
	result.Requests = rt.stored
	result.Duration = time.Since(started)

	span.SetAttributes(attribute.String("test.status", string(result.Status)))
	if result.Status == model.StatusError || result.Status == model.StatusFail {
		span.SetStatus(codes.Error, string(result.Status))
	}
	span.End()

	e.runner.metrics.TestTotal.WithLabelValues(e.suite.ID, string(result.Status)).Inc()
	e.runner.metrics.TestDuration.WithLabelValues(e.suite.ID).Observe(result.Duration.Seconds())

	e.logger.Info("test finished", "test", t.ID, "status", result.Status, "duration", result.Duration)
	e.finish(t.ID, result)
}

// invoke runs the test body, turning an unresolved uses_request and panics into errors.
func (e *execution) invoke(ctx context.Context, t *model.Test, rt *runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("test panicked", "test", t.ID, "panic", p, "stack", string(debug.Stack()))
			err = errordefs.Newf(errordefs.USC_INTERNAL, "test panicked: %v", p)
		}
	}()

	if t.UsesRequest != "" {
		if _, err := e.table.Lookup(t.UsesRequest); err != nil {
			return err
		}
	}
	return t.Run(ctx, rt)
}

// finishAll records every test under groups with the status err maps to.
func (e *execution) finishAll(groups []*model.Group, err error) {
	for _, g := range groups {
		e.finishGroup(g, err)
	}
}

func (e *execution) finishGroup(g *model.Group, err error) {
	status := Classify(err)
	msg := messageFor(status, err)
	var visit func(g *model.Group)
	visit = func(g *model.Group) {
		for _, t := range g.Tests {
			e.finish(t.ID, model.Result{Status: status, Messages: []model.Message{msg}})
		}
		for _, child := range g.Groups {
			visit(child)
		}
	}
	visit(g)
}

func (e *execution) finish(testID string, result model.Result) {
	if err := e.agg.Accumulate(testID, result); err != nil {
		e.logger.Error("failed to record result", "test", testID, "error", err)
	}
}

// messageFor renders err as the message that explains status.
func messageFor(status model.Status, err error) model.Message {
	typ := model.MessageError
	if status == model.StatusSkip {
		typ = model.MessageInfo
	}
	return model.Message{Type: typ, Text: messageOf(err)}
}
