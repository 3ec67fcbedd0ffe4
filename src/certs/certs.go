// Package certs manages the interception root: generation on first use and
// trust in the current user's certificate store.
package certs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/engine"
	"HTTPCaptureBox/src/observability"
	"HTTPCaptureBox/src/oscmd"
)

// Result reports an install or uninstall. Diagnostic carries helper output
// when every method failed.
type Result struct {
	OK         bool   `json:"ok"`
	Installed  bool   `json:"installed"`
	Method     string `json:"method,omitempty"`
	Thumbprint string `json:"thumbprint,omitempty"`
	Error      string `json:"error,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Options configures a Manager.
type Options struct {
	CADir   string
	Subject string
	Runner  oscmd.Runner
	GOOS    string // selects the platform plan; empty means runtime.GOOS
	HomeDir string
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Manager owns the root CA files and their OS trust.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu sync.Mutex
	ca *engine.CA
}

// ErrUnsupported is returned when the OS has no install plan.
var ErrUnsupported = errors.New("certificate install not supported on this platform")

func NewManager(opts Options) *Manager {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.HomeDir == "" {
		opts.HomeDir, _ = os.UserHomeDir()
	}
	return &Manager{opts: opts, log: opts.Logger.With().Str("component", "certs").Logger()}
}

// EnsureCA loads the root from disk, generating it once if absent.
func (m *Manager) EnsureCA() (*engine.CA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ca != nil {
		return m.ca, nil
	}
	ca, err := engine.LoadOrCreateCA(m.opts.CADir, m.opts.Subject)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("cert", ca.CertPath).Str("thumbprint", ca.Thumbprint()).Msg("root CA ready")
	m.ca = ca
	return ca, nil
}

// CertPath is where the PEM root lives.
func (m *Manager) CertPath() string { return filepath.Join(m.opts.CADir, engine.CACertFile) }

// Install adds the root to the user's trusted roots.
func (m *Manager) Install(ctx context.Context) Result {
	ca, err := m.EnsureCA()
	if err != nil {
		return m.done("install", Result{Error: err.Error()})
	}
	p := m.plan(ca)
	res := m.runSteps(ctx, "install", p.install)
	res.Thumbprint = ca.Thumbprint()
	if res.OK {
		res.Installed = true
	}
	return m.done("install", res)
}

// Uninstall removes the root from the user's trusted roots.
func (m *Manager) Uninstall(ctx context.Context) Result {
	ca, err := m.EnsureCA()
	if err != nil {
		return m.done("uninstall", Result{Error: err.Error()})
	}
	p := m.plan(ca)
	res := m.runSteps(ctx, "uninstall", p.uninstall)
	res.Thumbprint = ca.Thumbprint()
	if !res.OK {
		res.Installed = m.IsInstalled(ctx)
	}
	return m.done("uninstall", res)
}

// IsInstalled looks the root up by subject. Any failure reads as false.
func (m *Manager) IsInstalled(ctx context.Context) bool {
	m.mu.Lock()
	ca := m.ca
	m.mu.Unlock()
	if ca == nil {
		if _, err := os.Stat(m.CertPath()); err != nil {
			return false
		}
		var err error
		if ca, err = m.EnsureCA(); err != nil {
			return false
		}
	}
	p := m.plan(ca)
	if p.check == nil {
		return false
	}
	res, err := m.opts.Runner.Run(ctx, *p.check)
	if err != nil {
		m.log.Debug().Err(err).Msg("trust store lookup failed")
		return false
	}
	out := strings.ToLower(res.Stdout)
	return strings.Contains(out, strings.ToLower(ca.CommonName())) || strings.Contains(out, strings.ToLower(ca.Thumbprint()))
}

func (m *Manager) runSteps(ctx context.Context, op string, steps []step) Result {
	if len(steps) == 0 {
		return Result{Error: ErrUnsupported.Error()}
	}
	var errs, diags []string
	for _, s := range steps {
		err := m.runStep(ctx, s)
		if err == nil {
			m.log.Info().Str("op", op).Str("method", s.name).Msg("trust store updated")
			return Result{OK: true, Method: s.name}
		}
		m.log.Warn().Err(err).Str("op", op).Str("method", s.name).Msg("trust store method failed")
		errs = append(errs, s.name+": "+err.Error())
		if d := oscmd.DiagnosticOf(err); d != "" {
			diags = append(diags, s.name+": "+d)
		}
	}
	return Result{Error: strings.Join(errs, "; "), Diagnostic: strings.Join(diags, "\n")}
}

func (m *Manager) runStep(ctx context.Context, s step) error {
	for _, c := range s.cmds {
		if _, err := oscmd.Check(ctx, m.opts.Runner, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) done(op string, res Result) Result {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ControlOps.WithLabelValues("cert_"+op, observability.Outcome(res.OK)).Inc()
	}
	return res
}
