// Package analysis aggregates finalized exchanges into per-route and
// per-host statistics.
package analysis

import (
	"strings"
	"sync"
	"time"

	"HTTPCaptureBox/src/capture"
)

// RouteKey identifies a logical route: method, host and path without query.
type RouteKey struct {
	Host   string `json:"host"`
	Path   string `json:"path"`
	Method string `json:"method"`
}

// Outcome is a coarse-grained view of an exchange result.
type Outcome uint8

const (
	Outcome2xx Outcome = iota
	Outcome3xx
	Outcome4xx
	Outcome5xx
	OutcomeNetworkError
	OutcomeOther
)

var outcomeNames = [...]string{"2xx", "3xx", "4xx", "5xx", "network_error", "other"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "other"
}

// MarshalText lets outcomes act as readable JSON map keys.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ObservedRequest is the normalized unit of observation analyzers operate on.
type ObservedRequest struct {
	ID         int64
	Timestamp  time.Time
	Route      RouteKey
	Latency    time.Duration
	StatusCode int
	Outcome    Outcome
	ReqBytes   int64
	RespBytes  int64
}

// FromExchange converts a finished exchange. Open exchanges yield nil.
func FromExchange(e capture.Exchange) *ObservedRequest {
	if e.TsEnd.IsZero() {
		return nil
	}
	path := e.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	outcome := ClassifyOutcome(e.Status)
	if e.State == capture.StateError && e.Status == 0 {
		outcome = OutcomeNetworkError
	}
	return &ObservedRequest{
		ID:         e.ID,
		Timestamp:  e.TsEnd,
		Route:      RouteKey{Host: strings.ToLower(e.Host), Path: path, Method: e.Method},
		Latency:    e.Duration(),
		StatusCode: e.Status,
		Outcome:    outcome,
		ReqBytes:   e.ReqSize,
		RespBytes:  e.RespSize,
	}
}

// Analyzer is the generic interface for all analysis modules.
type Analyzer interface {
	OnRequest(ev *ObservedRequest)
	Reset()
}

// Registry fans out events to multiple analyzers.
type Registry struct {
	mu        sync.Mutex
	analyzers []Analyzer
}

func NewRegistry(analyzers ...Analyzer) *Registry {
	return &Registry{analyzers: analyzers}
}

// NewDefaultRegistry wires the latency, size and error analyzers.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		NewLatencyAnalyzer(),
		NewSizeAnalyzer(),
		NewErrorTransitionAnalyzer(),
	)
}

func (r *Registry) OnRequest(ev *ObservedRequest) {
	if r == nil || ev == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.analyzers {
		a.OnRequest(ev)
	}
}

// OnExchange matches capture.Options.OnFinalized.
func (r *Registry) OnExchange(e capture.Exchange) {
	r.OnRequest(FromExchange(e))
}

// Reset drops all accumulated statistics.
func (r *Registry) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.analyzers {
		a.Reset()
	}
}

func ClassifyOutcome(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome2xx
	case status >= 300 && status < 400:
		return Outcome3xx
	case status >= 400 && status < 500:
		return Outcome4xx
	case status >= 500:
		return Outcome5xx
	default:
		return OutcomeOther
	}
}
