// Package engine adapts goproxy to the capture hooks: it terminates TLS for
// in-scope CONNECT targets, forwards traffic unchanged and reports each
// exchange through capture.Hooks.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"HTTPCaptureBox/src/capture"
)

// ErrRunning is returned by Start when the listener is already up.
var ErrRunning = errors.New("engine already running")

// Options configures an Engine.
type Options struct {
	Hooks capture.Hooks

	// Scope decides which CONNECT hosts are decrypted; others are tunneled.
	// nil decrypts everything.
	Scope func(host string) bool

	// CA enables interception; nil tunnels all HTTPS opaquely.
	CA               *CA
	InsecureUpstream bool
	Logger           zerolog.Logger
}

// Engine is one goproxy server bound to a listener.
type Engine struct {
	opts  Options
	log   zerolog.Logger
	proxy *goproxy.ProxyHttpServer
	tr    *http.Transport

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	port int
	done chan struct{}
}

// zlogPrintf routes goproxy's Printf logging into zerolog at debug level.
type zlogPrintf struct{ l zerolog.Logger }

func (z zlogPrintf) Printf(format string, v ...any) { z.l.Debug().Msgf(format, v...) }

// New builds the proxy handler. It does not listen.
func New(opts Options) (*Engine, error) {
	if opts.Hooks == nil {
		return nil, errors.New("engine: hooks are required")
	}
	e := &Engine{
		opts: opts,
		log:  opts.Logger.With().Str("component", "engine").Logger(),
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	// Accept-Encoding is forwarded as sent; the client decides compression.
	proxy.KeepAcceptEncoding = true
	proxy.Logger = zlogPrintf{l: e.log}
	tr := &http.Transport{
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: opts.InsecureUpstream},
		Proxy:              http.ProxyFromEnvironment,
		ForceAttemptHTTP2:  true,
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("http2 configure: %w", err)
	}
	proxy.Tr = tr
	e.tr = tr

	if opts.CA != nil {
		pair, err := opts.CA.TLSCertificate()
		if err != nil {
			return nil, err
		}
		mitm := &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(&pair),
		}
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
			func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
				if opts.Scope != nil && !opts.Scope(host) {
					return goproxy.OkConnect, host
				}
				return mitm, host
			},
		))
	} else {
		e.log.Info().Msg("MITM disabled: HTTPS will be tunneled (opaque bodies)")
	}

	proxy.OnRequest().DoFunc(e.onRequest)
	proxy.OnResponse().DoFunc(e.onResponse)
	e.proxy = proxy
	return e, nil
}

// Start listens on host:port (port 0 picks a free port) and serves in the
// background. It returns the bound port.
func (e *Engine) Start(host string, port int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv != nil {
		return e.port, ErrRunning
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("listen %s:%d: %w", host, port, err)
	}
	srv := &http.Server{Handler: e.proxy}
	e.srv, e.ln = srv, ln
	e.port = ln.Addr().(*net.TCPAddr).Port
	e.done = make(chan struct{})
	done := e.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("proxy server stopped")
		}
	}()
	e.log.Info().Str("addr", ln.Addr().String()).Bool("mitm", e.opts.CA != nil).Msg("proxy listening")
	return e.port, nil
}

// Port is the bound port, 0 when stopped.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv == nil {
		return 0
	}
	return e.port
}

// Shutdown stops accepting connections and waits for plain HTTP exchanges
// to drain until ctx expires. Tunneled connections are closed with the listener.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv, done := e.srv, e.done
	e.srv, e.ln, e.port = nil, nil, 0
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	e.tr.CloseIdleConnections()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// exchange ties one goproxy request context to its capture context.
type exchange struct {
	cc      *capture.ConnCtx
	endOnce sync.Once
}

func (e *Engine) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	scheme := r.URL.Scheme
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	x := &exchange{cc: capture.NewConnCtx(host, scheme)}
	ctx.UserData = x

	e.safe("connection start", func() { e.opts.Hooks.OnConnectionStart(x.cc) })
	e.safe("request headers", func() { e.opts.Hooks.OnRequestHeaders(x.cc, r.Method, r.URL.String(), r.Header) })
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = &teeBody{
			rc:      r.Body,
			onChunk: func(b []byte) { e.safe("request chunk", func() { e.opts.Hooks.OnRequestChunk(x.cc, b) }) },
			onErr:   func(err error) { e.reportError(x, err, capture.StageRequest) },
		}
	}
	return r, nil
}

func (e *Engine) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	x, ok := ctx.UserData.(*exchange)
	if !ok {
		return resp
	}
	if resp == nil {
		err := ctx.Error
		if err == nil {
			err = errors.New("no response from upstream")
		}
		e.reportError(x, err, capture.StageUpstream)
		e.end(x)
		return resp
	}
	e.safe("response headers", func() { e.opts.Hooks.OnResponseHeaders(x.cc, resp.StatusCode, resp.Header) })
	if resp.Body == nil || resp.Body == http.NoBody {
		e.end(x)
		return resp
	}
	resp.Body = &teeBody{
		rc:      resp.Body,
		onChunk: func(b []byte) { e.safe("response chunk", func() { e.opts.Hooks.OnResponseChunk(x.cc, b) }) },
		onErr:   func(err error) { e.reportError(x, err, capture.StageResponse) },
		onEnd:   func() { e.end(x) },
	}
	return resp
}

func (e *Engine) end(x *exchange) {
	x.endOnce.Do(func() {
		e.safe("exchange end", func() { e.opts.Hooks.OnExchangeEnd(x.cc) })
	})
}

func (e *Engine) reportError(x *exchange, err error, stage string) {
	e.safe("error", func() { e.opts.Hooks.OnError(x.cc, err, stage) })
}

// safe runs a hook, containing panics so a faulty hook never breaks the
// proxied connection.
func (e *Engine) safe(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Interface("panic", rec).Str("hook", what).Msg("capture hook panicked")
		}
	}()
	fn()
}

// teeBody reports every chunk read through it without altering the stream.
// onEnd fires once at EOF, on read error or on Close, whichever comes first.
type teeBody struct {
	rc      io.ReadCloser
	onChunk func([]byte)
	onErr   func(error)
	onEnd   func()
	once    sync.Once
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && t.onChunk != nil {
		t.onChunk(p[:n])
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && t.onErr != nil {
			t.onErr(err)
		}
		t.finish()
	}
	return n, err
}

func (t *teeBody) Close() error {
	err := t.rc.Close()
	t.finish()
	return err
}

func (t *teeBody) finish() {
	if t.onEnd != nil {
		t.once.Do(t.onEnd)
	}
}
