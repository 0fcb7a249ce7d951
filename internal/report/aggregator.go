// Package report collects per-test results of a run into a tree that mirrors
// the suite and renders the finished report.
package report

import (
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// Aggregator accumulates results for one run. Positions in the report are
// fixed by the suite, so the order in which results arrive does not matter.
type Aggregator struct {
	mu        sync.Mutex
	runID     string
	suite     *model.Suite
	results   map[string]*model.Result
	target    string
	inputs    map[string]string
	startedAt time.Time
}

// NewAggregator registers every test of suite as pending.
func NewAggregator(runID string, suite *model.Suite) *Aggregator {
	a := &Aggregator{
		runID:     runID,
		suite:     suite,
		results:   make(map[string]*model.Result),
		startedAt: time.Now().UTC(),
	}
	suite.Walk(func(_ []*model.Group, t *model.Test) {
		a.results[t.ID] = &model.Result{TestID: t.ID, Status: model.StatusPending}
	})
	return a
}

// SetTarget records the FHIR server the run was pointed at.
func (a *Aggregator) SetTarget(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = url
}

// SetInputs records the (redacted) inputs of the run.
func (a *Aggregator) SetInputs(inputs map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = inputs
}

// MarkRunning moves a pending test to running.
func (a *Aggregator) MarkRunning(testID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.results[testID]
	if !ok {
		return errordefs.Newf(errordefs.USC_INTERNAL, "test %q is not part of suite %q", testID, a.suite.ID)
	}
	if r.Status != model.StatusPending {
		return errordefs.Newf(errordefs.USC_INTERNAL, "test %q is %s, not pending", testID, r.Status)
	}
	r.Status = model.StatusRunning
	return nil
}

// Accumulate records the terminal result of a test.
func (a *Aggregator) Accumulate(testID string, result model.Result) error {
	if !result.Status.Terminal() {
		return errordefs.Newf(errordefs.USC_INTERNAL, "result for %q has non-terminal status %q", testID, result.Status)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.results[testID]
	if !ok {
		return errordefs.Newf(errordefs.USC_INTERNAL, "test %q is not part of suite %q", testID, a.suite.ID)
	}
	if r.Status.Terminal() {
		return errordefs.Newf(errordefs.USC_INTERNAL, "test %q already finished as %s", testID, r.Status)
	}
	result.TestID = testID
	*r = result
	return nil
}

// Status returns the current status of a test.
func (a *Aggregator) Status(testID string) model.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.results[testID]; ok {
		return r.Status
	}
	return ""
}

// Finalize builds the report. It fails with USC_INCOMPLETE_RUN if any test
// has not reached a terminal state.
func (a *Aggregator) Finalize() (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pending []string
	for _, id := range a.suite.TestIDs() {
		if !a.results[id].Status.Terminal() {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		return nil, errordefs.NewWithDetails(errordefs.USC_INCOMPLETE_RUN,
			"run finished with tests in a non-terminal state", pending)
	}

	rep := &Report{
		RunID:       a.runID,
		SuiteID:     a.suite.ID,
		SuiteTitle:  a.suite.Title,
		Version:     a.suite.Version,
		Target:      a.target,
		Inputs:      a.inputs,
		StartedAt:   a.startedAt,
		FinishedAt:  time.Now().UTC(),
	}
	for _, g := range a.suite.Groups {
		gr := a.buildGroup(g)
		rep.Summary.add(gr.Summary)
		rep.Groups = append(rep.Groups, gr)
	}
	rep.Status = rep.Summary.Status()
	return rep, nil
}

func (a *Aggregator) buildGroup(g *model.Group) GroupReport {
	gr := GroupReport{ID: g.ID, Title: g.Title}
	for _, t := range g.Tests {
		r := a.results[t.ID]
		gr.Tests = append(gr.Tests, TestReport{
			ID:        t.ID,
			Title:     t.Title,
			Status:    r.Status,
			Messages:  append([]model.Message(nil), r.Messages...),
			Requests:  append([]string(nil), r.Requests...),
			StartedAt: r.StartedAt,
			Duration:  r.Duration,
		})
		gr.Summary.count(r.Status)
		gr.Duration += r.Duration
	}
	for _, child := range g.Groups {
		cr := a.buildGroup(child)
		gr.Summary.add(cr.Summary)
		gr.Duration += cr.Duration
		gr.Groups = append(gr.Groups, cr)
	}
	gr.Status = gr.Summary.Status()
	return gr
}
