package fhirtwin

import (
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// Fault replaces the response of matching requests.
type Fault struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	Delay      time.Duration `json:"delay_ms,omitempty"`
	Rate       float64       `json:"rate,omitempty"`  // 0 or 1 triggers every time
	Count      int           `json:"count,omitempty"` // Remaining triggers, 0 is unlimited
}

// FaultRegistry holds faults keyed by request path, e.g. "/metadata".
type FaultRegistry struct {
	mu     sync.Mutex
	faults map[string]*Fault
}

// NewFaultRegistry creates an empty registry.
func NewFaultRegistry() *FaultRegistry {
	return &FaultRegistry{faults: make(map[string]*Fault)}
}

// Set injects a fault for path.
func (fr *FaultRegistry) Set(path string, f Fault) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if f.Rate <= 0 {
		f.Rate = 1.0
	}
	if f.StatusCode == 0 {
		f.StatusCode = http.StatusInternalServerError
	}
	fr.faults[path] = &f
}

// Check returns the fault to apply to path, or nil. A count-limited fault
// is removed once used up.
func (fr *FaultRegistry) Check(path string) *Fault {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	f, ok := fr.faults[path]
	if !ok {
		return nil
	}
	if f.Rate < 1.0 && rand.Float64() >= f.Rate {
		return nil
	}
	out := *f
	if f.Count > 0 {
		f.Count--
		if f.Count == 0 {
			delete(fr.faults, path)
		}
	}
	return &out
}

// Reset clears all faults.
func (fr *FaultRegistry) Reset() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.faults = make(map[string]*Fault)
}

func (fr *FaultRegistry) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := fr.Check(r.URL.Path)
		if f == nil {
			next.ServeHTTP(w, r)
			return
		}
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if f.Body == "" {
			writeOutcome(w, f.StatusCode, "exception", "injected fault")
			return
		}
		w.Header().Set("Content-Type", fhirJSON)
		w.WriteHeader(f.StatusCode)
		_, _ = w.Write([]byte(f.Body))
	})
}
