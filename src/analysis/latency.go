package analysis

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyStats holds aggregated latency metrics for a single route.
type LatencyStats struct {
	Count       int64         // number of observations
	Total       time.Duration // sum of latencies
	SquaredNS   float64       // sum(latency^2) in nanoseconds^2
	Max         time.Duration
	Min         time.Duration
	LastUpdated time.Time
}

// Mean returns the average latency for the route.
func (s *LatencyStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return time.Duration(int64(s.Total) / s.Count)
}

// StdDev returns the population standard deviation of latency.
func (s *LatencyStats) StdDev() time.Duration {
	if s.Count == 0 {
		return 0
	}
	meanNs := float64(s.Total) / float64(s.Count)
	varNs2 := s.SquaredNS/float64(s.Count) - meanNs*meanNs
	if varNs2 < 0 {
		varNs2 = 0
	}
	return time.Duration(math.Sqrt(varNs2))
}

// RouteLatencySnapshot is a read-only view combining RouteKey and stats.
// Durations are reported in milliseconds.
type RouteLatencySnapshot struct {
	Route       RouteKey  `json:"route"`
	Count       int64     `json:"count"`
	MeanMs      float64   `json:"meanMs"`
	StdDevMs    float64   `json:"stdDevMs"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// LatencyAnalyzer aggregates latency distributions per route.
type LatencyAnalyzer struct {
	mu      sync.RWMutex
	byRoute map[RouteKey]*LatencyStats
}

func NewLatencyAnalyzer() *LatencyAnalyzer {
	return &LatencyAnalyzer{byRoute: make(map[RouteKey]*LatencyStats)}
}

// OnRequest ingests an ObservedRequest and updates the route's stats.
func (a *LatencyAnalyzer) OnRequest(ev *ObservedRequest) {
	if ev == nil {
		return
	}
	lat := ev.Latency
	if lat < 0 {
		lat = 0
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.byRoute[ev.Route]
	if !ok {
		stats = &LatencyStats{}
		a.byRoute[ev.Route] = stats
	}
	stats.Count++
	stats.Total += lat
	if stats.Count == 1 || lat < stats.Min {
		stats.Min = lat
	}
	if lat > stats.Max {
		stats.Max = lat
	}
	ns := float64(lat)
	stats.SquaredNS += ns * ns
	stats.LastUpdated = now
}

func (a *LatencyAnalyzer) Reset() {
	a.mu.Lock()
	a.byRoute = make(map[RouteKey]*LatencyStats)
	a.mu.Unlock()
}

// Snapshot returns per-route latency stats, busiest routes first.
// If minCount > 0, routes with fewer observations are filtered out.
func (a *LatencyAnalyzer) Snapshot(minCount int64) []RouteLatencySnapshot {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	out := make([]RouteLatencySnapshot, 0, len(a.byRoute))
	for route, stats := range a.byRoute {
		if minCount > 0 && stats.Count < minCount {
			continue
		}
		out = append(out, RouteLatencySnapshot{
			Route:       route,
			Count:       stats.Count,
			MeanMs:      millis(stats.Mean()),
			StdDevMs:    millis(stats.StdDev()),
			MinMs:       millis(stats.Min),
			MaxMs:       millis(stats.Max),
			LastUpdated: stats.LastUpdated,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return routeLess(out[i].Route, out[j].Route)
	})
	return out
}

// Latency returns the LatencyAnalyzer registered in this registry, if any.
func (r *Registry) Latency() *LatencyAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if la, ok := a.(*LatencyAnalyzer); ok {
			return la
		}
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func routeLess(a, b RouteKey) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Method < b.Method
}
