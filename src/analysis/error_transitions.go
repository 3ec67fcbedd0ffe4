package analysis

import (
	"sort"
	"sync"
	"time"
)

// hostErrorState is the outcome history of one upstream host.
type hostErrorState struct {
	lastOutcome Outcome
	seen        bool
	lastUpdated time.Time
	transitions map[Outcome]map[Outcome]uint64

	consecutive5xx    int64
	consecutive4xx    int64
	consecutiveErrors int64
}

// HostErrorSnapshot is a read-only view for a single host.
type HostErrorSnapshot struct {
	Host              string                         `json:"host"`
	LastOutcome       Outcome                        `json:"lastOutcome"`
	LastUpdated       time.Time                      `json:"lastUpdated"`
	Consecutive5xx    int64                          `json:"consecutive5xx"`
	Consecutive4xx    int64                          `json:"consecutive4xx"`
	ConsecutiveErrors int64                          `json:"consecutiveErrors"`
	Transitions       map[Outcome]map[Outcome]uint64 `json:"transitions"`
}

// ErrorTransitionAnalyzer tracks outcome transitions and error streaks per host.
// 5xx and network errors count as errors; 4xx streaks are tracked separately.
type ErrorTransitionAnalyzer struct {
	mu     sync.RWMutex
	byHost map[string]*hostErrorState
}

func NewErrorTransitionAnalyzer() *ErrorTransitionAnalyzer {
	return &ErrorTransitionAnalyzer{byHost: make(map[string]*hostErrorState)}
}

func (a *ErrorTransitionAnalyzer) OnRequest(ev *ObservedRequest) {
	if ev == nil {
		return
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.byHost[ev.Route.Host]
	if !ok {
		st = &hostErrorState{transitions: make(map[Outcome]map[Outcome]uint64)}
		a.byHost[ev.Route.Host] = st
	}
	if st.seen {
		row, ok := st.transitions[st.lastOutcome]
		if !ok {
			row = make(map[Outcome]uint64)
			st.transitions[st.lastOutcome] = row
		}
		row[ev.Outcome]++
	}

	switch ev.Outcome {
	case Outcome5xx:
		st.consecutive5xx++
		st.consecutiveErrors++
	case Outcome4xx:
		st.consecutive4xx++
	case OutcomeNetworkError:
		st.consecutiveErrors++
	default:
		st.consecutive5xx = 0
		st.consecutive4xx = 0
		st.consecutiveErrors = 0
	}
	st.lastOutcome = ev.Outcome
	st.seen = true
	st.lastUpdated = now
}

func (a *ErrorTransitionAnalyzer) Reset() {
	a.mu.Lock()
	a.byHost = make(map[string]*hostErrorState)
	a.mu.Unlock()
}

// Snapshot returns per-host state sorted by host. Hosts whose streaks are
// all below minErrors are skipped; pass 0 to get everything.
func (a *ErrorTransitionAnalyzer) Snapshot(minErrors int64) []HostErrorSnapshot {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	out := make([]HostErrorSnapshot, 0, len(a.byHost))
	for host, st := range a.byHost {
		if minErrors > 0 &&
			st.consecutiveErrors < minErrors &&
			st.consecutive5xx < minErrors &&
			st.consecutive4xx < minErrors {
			continue
		}
		trans := make(map[Outcome]map[Outcome]uint64, len(st.transitions))
		for from, row := range st.transitions {
			cp := make(map[Outcome]uint64, len(row))
			for to, n := range row {
				cp[to] = n
			}
			trans[from] = cp
		}
		out = append(out, HostErrorSnapshot{
			Host:              host,
			LastOutcome:       st.lastOutcome,
			LastUpdated:       st.lastUpdated,
			Consecutive5xx:    st.consecutive5xx,
			Consecutive4xx:    st.consecutive4xx,
			ConsecutiveErrors: st.consecutiveErrors,
			Transitions:       trans,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// ErrorTransitions returns the ErrorTransitionAnalyzer registered in this registry, if any.
func (r *Registry) ErrorTransitions() *ErrorTransitionAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if eta, ok := a.(*ErrorTransitionAnalyzer); ok {
			return eta
		}
	}
	return nil
}
