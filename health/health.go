// Package health aggregates the lifecycle states of container services and
// exposes them over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Status is the aggregate health verdict of a source.
type Status string

const (
	// StatusHealthy means no service of any source reports failure.
	StatusHealthy Status = "healthy"

	// StatusDegraded means at least one service reports failure.
	StatusDegraded Status = "degraded"
)

// Snapshot describes the observable state of one service.
type Snapshot struct {
	Name     string    `json:"name"`
	Registry string    `json:"registry"`
	State    string    `json:"state"`
	Mode     string    `json:"mode"`
	Since    time.Time `json:"since"`
	Failed   bool      `json:"failed"`
}

// Source supplies service snapshots to the aggregator. A service registry
// is a source.
type Source interface {
	ServiceSnapshots() []Snapshot
}

// Aggregator collects snapshots from registered sources and serves an HTTP
// health surface.
type Aggregator struct {
	mu      sync.RWMutex
	sources []Source
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddSource registers a snapshot source.
func (a *Aggregator) AddSource(source Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, source)
}

// Collect gathers the snapshots of every registered source.
func (a *Aggregator) Collect() []Snapshot {
	a.mu.RLock()
	sources := make([]Source, len(a.sources))
	copy(sources, a.sources)
	a.mu.RUnlock()
	var out []Snapshot
	for _, s := range sources {
		out = append(out, s.ServiceSnapshots()...)
	}
	return out
}

// Status computes the aggregate verdict over all sources.
func (a *Aggregator) Status() Status {
	for _, s := range a.Collect() {
		if s.Failed {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// report is the JSON document served at the health endpoint.
type report struct {
	Status   Status     `json:"status"`
	Services []Snapshot `json:"services"`
}

// Handler returns an HTTP handler exposing the aggregate health at /healthz
// and the per-service snapshots at /services.
func (a *Aggregator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := a.Status()
		code := http.StatusOK
		if status == StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report{Status: status, Services: a.Collect()})
	})
	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Collect())
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
