// Package control owns the capture session: it starts and stops the proxy
// listener and exposes query, export, replay, system proxy and certificate
// operations over the shared recorder.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/capture"
	"HTTPCaptureBox/src/certs"
	"HTTPCaptureBox/src/config"
	"HTTPCaptureBox/src/engine"
	"HTTPCaptureBox/src/export"
	"HTTPCaptureBox/src/observability"
	"HTTPCaptureBox/src/sysproxy"
)

// ErrNotRunning is returned by operations that need a live listener.
var ErrNotRunning = errors.New("capture session is not running")

const (
	defaultStopGrace = 3 * time.Second
	defaultCertTTL   = 30 * time.Second
)

// Options wires a Session to its collaborators.
type Options struct {
	Config   *config.Config
	Recorder *capture.Recorder
	Certs    *certs.Manager
	SysProxy *sysproxy.Controller
	Replayer *export.Replayer
	Logger   zerolog.Logger

	// OnEvent receives session and cleared events. It must not block.
	OnEvent func(Event)

	StopGrace    time.Duration
	CertCacheTTL time.Duration
}

// StartOptions override the configured capture settings for one run.
// Zero values and nil pointers keep the configured value.
type StartOptions struct {
	Host       string   `json:"host,omitempty"`
	Port       int      `json:"port,omitempty"`
	MaxEntries int      `json:"maxEntries,omitempty"`
	KeepBodies *bool    `json:"keepBodies,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	MITM       *bool    `json:"mitm,omitempty"`
}

// Status is the externally visible session state.
type Status struct {
	Running       bool       `json:"running"`
	Host          string     `json:"host,omitempty"`
	Port          int        `json:"port,omitempty"`
	CertInstalled bool       `json:"certInstalled"`
	TotalRecords  int        `json:"totalRecords"`
	Since         *time.Time `json:"since,omitempty"`
	RunID         string     `json:"runId,omitempty"`
	MaxEntries    int        `json:"maxEntries"`
	KeepBodies    bool       `json:"keepBodies"`
	Targets       []string   `json:"targets"`
	MITM          bool       `json:"mitm"`
}

// Session is the single capture session of the process.
type Session struct {
	opts Options
	log  zerolog.Logger

	// lifecycle serializes Start and Stop; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.Mutex
	eng       *engine.Engine
	host      string
	port      int
	startedAt time.Time
	runID     string
	mitm      bool
	ownsProxy bool

	certMu      sync.Mutex
	certKnown   bool
	certValue   bool
	certChecked time.Time
}

func New(opts Options) *Session {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.CertCacheTTL <= 0 {
		opts.CertCacheTTL = defaultCertTTL
	}
	if opts.Replayer == nil {
		opts.Replayer = export.NewReplayer(export.ReplayerOptions{Logger: opts.Logger})
	}
	return &Session{
		opts: opts,
		log:  opts.Logger.With().Str("component", "session").Logger(),
		mitm: opts.Config.Proxy.MITM,
	}
}

// Start brings the listener up and returns its port. Calling Start on a
// running session returns the existing port and changes nothing.
func (s *Session) Start(ctx context.Context, so StartOptions) (int, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.eng != nil {
		port := s.port
		s.mu.Unlock()
		return port, nil
	}
	s.mu.Unlock()

	cfg := s.opts.Config
	host := firstNonEmpty(so.Host, cfg.Proxy.Host)
	port := cfg.Proxy.Port
	if so.Port != 0 {
		port = so.Port
	}
	maxEntries := cfg.Capture.MaxEntries
	if so.MaxEntries > 0 {
		maxEntries = so.MaxEntries
	}
	keep := cfg.Capture.KeepBodies
	if so.KeepBodies != nil {
		keep = *so.KeepBodies
	}
	targets := cfg.Capture.Targets
	if so.Targets != nil {
		targets = so.Targets
	}
	mitm := cfg.Proxy.MITM
	if so.MITM != nil {
		mitm = *so.MITM
	}

	rec := s.opts.Recorder
	rec.Configure(maxEntries, keep, targets)

	var ca *engine.CA
	if mitm {
		if s.opts.Certs == nil {
			return 0, errors.New("interception requested without a certificate manager")
		}
		var err error
		if ca, err = s.opts.Certs.EnsureCA(); err != nil {
			return 0, fmt.Errorf("ensure CA: %w", err)
		}
	}

	eng, err := engine.New(engine.Options{
		Hooks:            rec,
		Scope:            func(h string) bool { return rec.Filter().ShouldCapture(h) },
		CA:               ca,
		InsecureUpstream: cfg.Proxy.InsecureUpstream,
		Logger:           s.opts.Logger,
	})
	if err != nil {
		return 0, err
	}
	bound, err := eng.Start(host, port)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.eng = eng
	s.host = host
	s.port = bound
	s.startedAt = time.Now().UTC()
	s.runID = uuid.NewString()
	s.mitm = mitm
	runID := s.runID
	s.mu.Unlock()

	s.log.Info().
		Str("run_id", runID).
		Str("host", host).
		Int("port", bound).
		Int("max_entries", maxEntries).
		Bool("keep_bodies", keep).
		Strs("targets", targets).
		Bool("mitm", mitm).
		Msg("capture session started")
	s.emitSession()
	return bound, nil
}

// Stop shuts the listener down with a grace window, closes exchanges that
// are still open as truncated and waits for pending finalization. If this
// session turned the system proxy on, Stop turns it off again.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	eng, owns := s.eng, s.ownsProxy
	s.eng = nil
	s.port = 0
	s.startedAt = time.Time{}
	s.ownsProxy = false
	s.mu.Unlock()
	if eng == nil {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.StopGrace)
	defer cancel()
	if err := eng.Shutdown(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn().Err(err).Msg("proxy shutdown")
	}
	if n := s.opts.Recorder.MarkTruncated(); n > 0 {
		s.log.Info().Int("count", n).Msg("open exchanges marked truncated")
	}
	flushCtx, cancelFlush := context.WithTimeout(ctx, s.opts.StopGrace)
	defer cancelFlush()
	if err := s.opts.Recorder.Flush(flushCtx); err != nil {
		s.log.Warn().Err(err).Msg("finalize queue not drained")
	}

	if owns && s.opts.SysProxy != nil {
		if res := s.opts.SysProxy.Disable(ctx); !res.OK {
			s.log.Warn().Str("error", res.Error).Msg("could not restore system proxy")
		}
	}

	s.log.Info().Msg("capture session stopped")
	s.emitSession()
	return nil
}

// Running reports whether the listener is up.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng != nil
}

// Status reports the session. The certificate flag is cached for a short while.
func (s *Session) Status(ctx context.Context) Status {
	st := s.snapshot()
	st.CertInstalled = s.certInstalled(ctx, false)
	return st
}

func (s *Session) snapshot() Status {
	rec := s.opts.Recorder
	s.mu.Lock()
	st := Status{
		Running:      s.eng != nil,
		TotalRecords: rec.Len(),
		MaxEntries:   rec.Capacity(),
		KeepBodies:   rec.KeepBodies(),
		Targets:      rec.Filter().Patterns(),
		MITM:         s.mitm,
	}
	if st.Running {
		since := s.startedAt
		st.Host, st.Port, st.Since, st.RunID = s.host, s.port, &since, s.runID
	}
	s.mu.Unlock()
	if st.Targets == nil {
		st.Targets = []string{}
	}
	return st
}

// List returns summaries newest first.
func (s *Session) List(offset, limit int, f capture.Filter) capture.Page {
	return s.opts.Recorder.List(offset, limit, f)
}

func (s *Session) Detail(id int64) (capture.Detail, error) {
	return s.opts.Recorder.Detail(id)
}

// Exchange returns the full stored record.
func (s *Session) Exchange(id int64) (capture.Exchange, error) {
	return s.opts.Recorder.Get(id)
}

// Clear drops every record and restarts ids at 1.
func (s *Session) Clear() int {
	n := s.opts.Recorder.Clear()
	s.log.Info().Int("dropped", n).Msg("captures cleared")
	s.emit(Event{Type: EventCleared})
	return n
}

// ExportHAR builds a HAR log of the given ids in order, or of every record
// oldest first when ids is empty. Unknown ids are skipped.
func (s *Session) ExportHAR(ids []int64) export.HAR {
	return export.BuildHAR(s.opts.Recorder.Exchanges(ids), observability.Name, observability.Version)
}

func (s *Session) ToCurl(id int64) (string, error) {
	e, err := s.opts.Recorder.Get(id)
	if err != nil {
		return "", err
	}
	return export.Curl(e), nil
}

func (s *Session) ToCurlPowerShell(id int64) (string, error) {
	e, err := s.opts.Recorder.Get(id)
	if err != nil {
		return "", err
	}
	return export.CurlPowerShell(e), nil
}

// Replay re-issues a captured request. Network failures are reported in the
// result; the error is only for unknown ids.
func (s *Session) Replay(ctx context.Context, id int64, follow bool) (export.ReplayResult, error) {
	e, err := s.opts.Recorder.Get(id)
	if err != nil {
		return export.ReplayResult{}, err
	}
	return s.opts.Replayer.Replay(ctx, e, follow), nil
}

// EnableSystemProxy points the OS proxy settings at host:port. A zero port
// means the running listener; an empty or wildcard host means loopback.
// Only a proxy aimed at the running listener is restored by Stop.
func (s *Session) EnableSystemProxy(ctx context.Context, host string, port int) sysproxy.Result {
	if s.opts.SysProxy == nil {
		return sysproxy.Result{Error: sysproxy.ErrUnsupported.Error()}
	}
	if port < 0 || port > 65535 {
		return sysproxy.Result{Error: fmt.Sprintf("invalid port %d", port)}
	}
	s.mu.Lock()
	running, listenHost, listenPort := s.eng != nil, s.host, s.port
	s.mu.Unlock()
	if port == 0 {
		if !running {
			return sysproxy.Result{Error: ErrNotRunning.Error()}
		}
		port = listenPort
		if host == "" {
			host = listenHost
		}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	res := s.opts.SysProxy.Enable(ctx, host, port)
	if res.OK {
		s.mu.Lock()
		s.ownsProxy = s.eng != nil && port == s.port
		s.mu.Unlock()
	}
	return res
}

func (s *Session) DisableSystemProxy(ctx context.Context) sysproxy.Result {
	if s.opts.SysProxy == nil {
		return sysproxy.Result{Error: sysproxy.ErrUnsupported.Error()}
	}
	res := s.opts.SysProxy.Disable(ctx)
	if res.OK {
		s.mu.Lock()
		s.ownsProxy = false
		s.mu.Unlock()
	}
	return res
}

func (s *Session) QuerySystemProxy(ctx context.Context) sysproxy.Result {
	if s.opts.SysProxy == nil {
		return sysproxy.Result{Error: sysproxy.ErrUnsupported.Error()}
	}
	return s.opts.SysProxy.Query(ctx)
}

func (s *Session) InstallCert(ctx context.Context) certs.Result {
	if s.opts.Certs == nil {
		return certs.Result{Error: certs.ErrUnsupported.Error()}
	}
	res := s.opts.Certs.Install(ctx)
	s.setCertInstalled(res.Installed)
	return res
}

func (s *Session) UninstallCert(ctx context.Context) certs.Result {
	if s.opts.Certs == nil {
		return certs.Result{Error: certs.ErrUnsupported.Error()}
	}
	res := s.opts.Certs.Uninstall(ctx)
	s.setCertInstalled(res.Installed)
	return res
}

// CACertPEM returns the root certificate, creating it if needed.
func (s *Session) CACertPEM() ([]byte, error) {
	if s.opts.Certs == nil {
		return nil, certs.ErrUnsupported
	}
	ca, err := s.opts.Certs.EnsureCA()
	if err != nil {
		return nil, err
	}
	return ca.PEM(), nil
}

// IsCertInstalled always asks the OS trust store.
func (s *Session) IsCertInstalled(ctx context.Context) bool {
	return s.certInstalled(ctx, true)
}

func (s *Session) certInstalled(ctx context.Context, fresh bool) bool {
	if s.opts.Certs == nil {
		return false
	}
	s.certMu.Lock()
	defer s.certMu.Unlock()
	if !fresh && s.certKnown && time.Since(s.certChecked) < s.opts.CertCacheTTL {
		return s.certValue
	}
	s.certValue = s.opts.Certs.IsInstalled(ctx)
	s.certKnown = true
	s.certChecked = time.Now()
	return s.certValue
}

func (s *Session) cachedCertInstalled() bool {
	s.certMu.Lock()
	defer s.certMu.Unlock()
	return s.certKnown && s.certValue
}

func (s *Session) setCertInstalled(v bool) {
	s.certMu.Lock()
	s.certValue, s.certKnown, s.certChecked = v, true, time.Now()
	s.certMu.Unlock()
}

func (s *Session) emitSession() {
	st := s.snapshot()
	st.CertInstalled = s.cachedCertInstalled()
	s.emit(Event{Type: EventSession, Status: &st})
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
