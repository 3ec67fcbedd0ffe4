// Package sysproxy points the current user's OS proxy settings at the capture
// listener and back, using ordered strategies with fallbacks.
package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/observability"
	"HTTPCaptureBox/src/oscmd"
)

// State is the live proxy configuration as read back from the OS.
type State struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server"`
}

// Result reports one enable/disable/query call. Diagnostic carries helper
// output when every strategy failed.
type Result struct {
	OK         bool   `json:"ok"`
	Enabled    bool   `json:"enabled"`
	Server     string `json:"server"`
	Strategy   string `json:"strategy,omitempty"`
	Verified   bool   `json:"verified"`
	Error      string `json:"error,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Strategy is one way of writing the proxy settings.
type Strategy interface {
	Name() string
	Enable(ctx context.Context, server string) error
	Disable(ctx context.Context) error
}

// Querier reads the live settings.
type Querier interface {
	Query(ctx context.Context) (State, error)
}

// Platform is the per-OS plan: strategies in order of preference, queriers
// likewise, and an optional change notification.
type Platform struct {
	Strategies []Strategy
	Queriers   []Querier
	Broadcast  func(ctx context.Context) error
}

// ErrUnsupported is returned when no strategy exists for the OS.
var ErrUnsupported = errors.New("system proxy control not supported on this platform")

// ForOS builds the plan for goos. Shell strategies run through runner.
func ForOS(goos string, runner oscmd.Runner) Platform {
	switch goos {
	case "windows":
		var p Platform
		if runtime.GOOS == "windows" {
			if s, q, b := nativeWindows(); s != nil {
				p.Strategies = append(p.Strategies, s)
				p.Queriers = append(p.Queriers, q)
				p.Broadcast = b
			}
		}
		p.Strategies = append(p.Strategies, powershellStrategy{runner: runner})
		p.Queriers = append(p.Queriers, regQuerier{runner: runner})
		return p
	case "darwin":
		ns := networksetup{runner: runner}
		return Platform{Strategies: []Strategy{ns}, Queriers: []Querier{ns}}
	case "linux", "freebsd", "openbsd", "netbsd":
		return Platform{
			Strategies: []Strategy{gsettings{runner: runner}, kdeConfig{runner: runner}},
			Queriers:   []Querier{gsettings{runner: runner}, kdeConfig{runner: runner}},
			Broadcast:  kdeReparse(runner),
		}
	}
	return Platform{}
}

// Controller serializes proxy changes and always confirms them by re-reading.
type Controller struct {
	mu       sync.Mutex
	platform Platform
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewController(p Platform, log zerolog.Logger, m *observability.Metrics) *Controller {
	return &Controller{platform: p, log: log.With().Str("component", "sysproxy").Logger(), metrics: m}
}

// Enable routes the user's HTTP and HTTPS traffic through host:port.
func (c *Controller) Enable(ctx context.Context, host string, port int) Result {
	server := net.JoinHostPort(host, strconv.Itoa(port))
	res := c.apply(ctx, "enable", func(s Strategy) error { return s.Enable(ctx, server) })
	if res.OK && res.Verified && (!res.Enabled || !sameServer(res.Server, server)) {
		res.OK = false
		res.Error = fmt.Sprintf("settings did not take effect: enabled=%v server=%q", res.Enabled, res.Server)
	}
	c.count("enable", res.OK)
	return res
}

// Disable turns the proxy off, leaving the server string in place.
func (c *Controller) Disable(ctx context.Context) Result {
	res := c.apply(ctx, "disable", func(s Strategy) error { return s.Disable(ctx) })
	if res.OK && res.Verified && res.Enabled {
		res.OK = false
		res.Error = "settings did not take effect: proxy still enabled"
	}
	c.count("disable", res.OK)
	return res
}

// Query reads the live settings.
func (c *Controller) Query(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.query(ctx)
	if err != nil {
		return Result{OK: false, Error: err.Error(), Diagnostic: oscmd.DiagnosticOf(err)}
	}
	return Result{OK: true, Enabled: st.Enabled, Server: st.Server, Verified: true}
}

func (c *Controller) apply(ctx context.Context, op string, fn func(Strategy) error) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.platform.Strategies) == 0 {
		return Result{OK: false, Error: ErrUnsupported.Error()}
	}

	var used string
	var errs []string
	var diags []string
	for _, s := range c.platform.Strategies {
		err := fn(s)
		if err == nil {
			used = s.Name()
			break
		}
		c.log.Warn().Err(err).Str("strategy", s.Name()).Str("op", op).Msg("proxy strategy failed")
		errs = append(errs, s.Name()+": "+err.Error())
		if d := oscmd.DiagnosticOf(err); d != "" {
			diags = append(diags, s.Name()+": "+d)
		}
	}
	if used == "" {
		return Result{OK: false, Error: strings.Join(errs, "; "), Diagnostic: strings.Join(diags, "\n")}
	}

	if b := c.platform.Broadcast; b != nil {
		if err := b(ctx); err != nil {
			c.log.Warn().Err(err).Msg("proxy settings broadcast failed")
		}
	}
	res := Result{OK: true, Strategy: used}
	st, err := c.query(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not read back proxy settings")
		res.Diagnostic = "read-back failed: " + err.Error()
		return res
	}
	res.Enabled, res.Server, res.Verified = st.Enabled, st.Server, true
	c.log.Info().Str("op", op).Str("strategy", used).Bool("enabled", st.Enabled).Str("server", st.Server).Msg("system proxy updated")
	return res
}

func (c *Controller) query(ctx context.Context) (State, error) {
	if len(c.platform.Queriers) == 0 {
		return State{}, ErrUnsupported
	}
	var firstErr error
	for _, q := range c.platform.Queriers {
		st, err := q.Query(ctx)
		if err == nil {
			return st, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return State{}, firstErr
}

func (c *Controller) count(op string, ok bool) {
	if c.metrics != nil {
		c.metrics.ControlOps.WithLabelValues("sysproxy_"+op, observability.Outcome(ok)).Inc()
	}
}

// sameServer compares a requested host:port with what the OS reports, which
// may be a per-protocol list such as "http=h:p;https=h:p".
func sameServer(got, want string) bool {
	if strings.EqualFold(got, want) {
		return true
	}
	for _, part := range strings.Split(got, ";") {
		if _, v, ok := strings.Cut(part, "="); ok && strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
