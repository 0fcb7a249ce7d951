package report

import (
	"time"

	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// Report is the finished result tree of one run.
type Report struct {
	RunID      string            `json:"runId" yaml:"runId"`
	SuiteID    string            `json:"suiteId" yaml:"suiteId"`
	SuiteTitle string            `json:"suiteTitle,omitempty" yaml:"suiteTitle,omitempty"`
	Version    string            `json:"version,omitempty" yaml:"version,omitempty"`
	Target     string            `json:"target,omitempty" yaml:"target,omitempty"` // FHIR server base URL
	Inputs     map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"` // Secrets masked
	StartedAt  time.Time         `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt" yaml:"finishedAt"`
	Status     model.Status      `json:"status" yaml:"status"`
	Summary    Summary           `json:"summary" yaml:"summary"`
	Groups     []GroupReport     `json:"groups" yaml:"groups"`
}

// GroupReport mirrors one suite group.
type GroupReport struct {
	ID       string        `json:"id" yaml:"id"`
	Title    string        `json:"title,omitempty" yaml:"title,omitempty"`
	Status   model.Status  `json:"status" yaml:"status"`
	Summary  Summary       `json:"summary" yaml:"summary"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Tests    []TestReport  `json:"tests,omitempty" yaml:"tests,omitempty"`
	Groups   []GroupReport `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// TestReport is the terminal result of one test.
type TestReport struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title,omitempty" yaml:"title,omitempty"`
	Status    model.Status    `json:"status" yaml:"status"`
	Messages  []model.Message `json:"messages,omitempty" yaml:"messages,omitempty"`
	Requests  []string        `json:"requests,omitempty" yaml:"requests,omitempty"`
	StartedAt time.Time       `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	Duration  time.Duration   `json:"duration" yaml:"duration"`
}

// Summary counts tests by status.
type Summary struct {
	Total   int `json:"total" yaml:"total"`
	Passed  int `json:"passed" yaml:"passed"`
	Failed  int `json:"failed" yaml:"failed"`
	Errored int `json:"errored" yaml:"errored"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

func (s *Summary) count(st model.Status) {
	s.Total++
	switch st {
	case model.StatusPass:
		s.Passed++
	case model.StatusFail:
		s.Failed++
	case model.StatusError:
		s.Errored++
	case model.StatusSkip:
		s.Skipped++
	}
}

func (s *Summary) add(o Summary) {
	s.Total += o.Total
	s.Passed += o.Passed
	s.Failed += o.Failed
	s.Errored += o.Errored
	s.Skipped += o.Skipped
}

// Status rolls the counts up to one status: fail over error over skip over pass.
// A group with no tests passes.
func (s Summary) Status() model.Status {
	switch {
	case s.Failed > 0:
		return model.StatusFail
	case s.Errored > 0:
		return model.StatusError
	case s.Skipped > 0:
		return model.StatusSkip
	default:
		return model.StatusPass
	}
}

// Walk visits every test with its enclosing group ids.
func (r *Report) Walk(fn func(path []string, t TestReport)) {
	var visit func(path []string, g GroupReport)
	visit = func(path []string, g GroupReport) {
		path = append(path[:len(path):len(path)], g.ID)
		for _, t := range g.Tests {
			fn(path, t)
		}
		for _, child := range g.Groups {
			visit(path, child)
		}
	}
	for _, g := range r.Groups {
		visit(nil, g)
	}
}

// Test returns the report of one test.
func (r *Report) Test(id string) (TestReport, bool) {
	var found TestReport
	ok := false
	r.Walk(func(_ []string, t TestReport) {
		if t.ID == id {
			found, ok = t, true
		}
	})
	return found, ok
}
