package analysis

import (
	"math"
	"sort"
	"sync"
	"time"
)

// SizeStats tracks a univariate byte-size distribution.
type SizeStats struct {
	Count        int64
	TotalBytes   int64
	SquaredBytes float64 // sum(size^2) for variance
	MaxBytes     int64
	MinBytes     int64
	LastUpdated  time.Time
}

func (s *SizeStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalBytes) / float64(s.Count)
}

func (s *SizeStats) StdDev() float64 {
	if s.Count == 0 {
		return 0
	}
	mean := s.Mean()
	variance := s.SquaredBytes/float64(s.Count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func (s *SizeStats) add(size int64, now time.Time) {
	if size < 0 {
		size = 0
	}
	s.Count++
	s.TotalBytes += size
	if s.Count == 1 || size < s.MinBytes {
		s.MinBytes = size
	}
	if size > s.MaxBytes {
		s.MaxBytes = size
	}
	f := float64(size)
	s.SquaredBytes += f * f
	s.LastUpdated = now
}

// PayloadProfile holds request and response sizes for one route.
type PayloadProfile struct {
	Request  SizeStats
	Response SizeStats
}

// RouteSizeSnapshot is a read-only view of one route's payload sizes.
type RouteSizeSnapshot struct {
	Route RouteKey `json:"route"`

	ReqCount int64   `json:"reqCount"`
	ReqMean  float64 `json:"reqMeanBytes"`
	ReqStd   float64 `json:"reqStdBytes"`
	ReqMin   int64   `json:"reqMinBytes"`
	ReqMax   int64   `json:"reqMaxBytes"`

	RespCount int64   `json:"respCount"`
	RespMean  float64 `json:"respMeanBytes"`
	RespStd   float64 `json:"respStdBytes"`
	RespMin   int64   `json:"respMinBytes"`
	RespMax   int64   `json:"respMaxBytes"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// SizeAnalyzer keeps payload size statistics per route.
type SizeAnalyzer struct {
	mu      sync.RWMutex
	byRoute map[RouteKey]*PayloadProfile
}

func NewSizeAnalyzer() *SizeAnalyzer {
	return &SizeAnalyzer{byRoute: make(map[RouteKey]*PayloadProfile)}
}

// OnRequest records both directions. Exchanges that never got a response
// only count toward the request side.
func (a *SizeAnalyzer) OnRequest(ev *ObservedRequest) {
	if ev == nil {
		return
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	profile, ok := a.byRoute[ev.Route]
	if !ok {
		profile = &PayloadProfile{}
		a.byRoute[ev.Route] = profile
	}
	profile.Request.add(ev.ReqBytes, now)
	if ev.StatusCode != 0 {
		profile.Response.add(ev.RespBytes, now)
	}
}

func (a *SizeAnalyzer) Reset() {
	a.mu.Lock()
	a.byRoute = make(map[RouteKey]*PayloadProfile)
	a.mu.Unlock()
}

// Snapshot returns per-route payload statistics, largest mean response first.
// minCount filters out routes whose request count is below it.
func (a *SizeAnalyzer) Snapshot(minCount int64) []RouteSizeSnapshot {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	out := make([]RouteSizeSnapshot, 0, len(a.byRoute))
	for route, p := range a.byRoute {
		req, resp := p.Request, p.Response
		if minCount > 0 && req.Count < minCount {
			continue
		}
		last := req.LastUpdated
		if resp.LastUpdated.After(last) {
			last = resp.LastUpdated
		}
		out = append(out, RouteSizeSnapshot{
			Route: route,

			ReqCount: req.Count,
			ReqMean:  req.Mean(),
			ReqStd:   req.StdDev(),
			ReqMin:   req.MinBytes,
			ReqMax:   req.MaxBytes,

			RespCount: resp.Count,
			RespMean:  resp.Mean(),
			RespStd:   resp.StdDev(),
			RespMin:   resp.MinBytes,
			RespMax:   resp.MaxBytes,

			LastUpdated: last,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RespMean != out[j].RespMean {
			return out[i].RespMean > out[j].RespMean
		}
		return routeLess(out[i].Route, out[j].Route)
	})
	return out
}

// Size returns the SizeAnalyzer registered in this registry, if any.
func (r *Registry) Size() *SizeAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if sa, ok := a.(*SizeAnalyzer); ok {
			return sa
		}
	}
	return nil
}
