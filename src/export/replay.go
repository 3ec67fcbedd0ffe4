package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"HTTPCaptureBox/src/capture"
)

const (
	// PreviewBytes caps the replayed response body kept for display.
	PreviewBytes = 1 << 20
	// maxReplayRead bounds how much of a replayed response is buffered for decoding.
	maxReplayRead = 32 << 20
)

// Timings are the connection phases of a replayed request in milliseconds.
type Timings struct {
	DNSMs     int64 `json:"dnsMs"`
	ConnectMs int64 `json:"connectMs"`
	TLSMs     int64 `json:"tlsMs"`
	TTFBMs    int64 `json:"ttfbMs"`
}

// ReplayResult describes the new response. On failure only OK=false and
// Error are set.
type ReplayResult struct {
	OK          bool            `json:"ok"`
	Status      int             `json:"status,omitempty"`
	Headers     capture.Headers `json:"headers,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Timings     *Timings        `json:"timings,omitempty"`
	BodyPreview string          `json:"bodyPreview,omitempty"`
	BodySize    int64           `json:"bodySize"`
	Truncated   bool            `json:"truncated,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ReplayerOptions configures the outbound client.
type ReplayerOptions struct {
	Timeout  time.Duration
	Insecure bool
	Logger   zerolog.Logger
}

// Replayer re-issues captured requests. It is a live, side-effecting call.
type Replayer struct {
	tr      *http.Transport
	timeout time.Duration
	log     zerolog.Logger
}

func NewReplayer(opts ReplayerOptions) *Replayer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	tr := &http.Transport{
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: opts.Insecure},
		Proxy:              http.ProxyFromEnvironment,
		ForceAttemptHTTP2:  true,
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		opts.Logger.Warn().Err(err).Msg("http2 configure (replay transport)")
	}
	return &Replayer{tr: tr, timeout: opts.Timeout, log: opts.Logger.With().Str("component", "replay").Logger()}
}

// phases collects httptrace timestamps for one request. Dual-stack dialing
// can run connect callbacks concurrently; the first connection wins.
type phases struct {
	mu               sync.Mutex
	dnsStart, dnsEnd time.Time
	conStart, conEnd time.Time
	tlsStart, tlsEnd time.Time
	wroteReq         time.Time
	firstByte        time.Time
}

func millis(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return b.Sub(a).Milliseconds()
}

// mark stores now into *t once.
func (p *phases) mark(t *time.Time) {
	p.mu.Lock()
	if t.IsZero() {
		*t = time.Now()
	}
	p.mu.Unlock()
}

func (p *phases) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:     func(httptrace.DNSStartInfo) { p.mark(&p.dnsStart) },
		DNSDone:      func(httptrace.DNSDoneInfo) { p.mark(&p.dnsEnd) },
		ConnectStart: func(_, _ string) { p.mark(&p.conStart) },
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				p.mark(&p.conEnd)
			}
		},
		TLSHandshakeStart:    func() { p.mark(&p.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { p.mark(&p.tlsEnd) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { p.mark(&p.wroteReq) },
		GotFirstResponseByte: func() { p.mark(&p.firstByte) },
	}
}

// timings reads the collected phases.
func (p *phases) timings() *Timings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Timings{
		DNSMs:     millis(p.dnsStart, p.dnsEnd),
		ConnectMs: millis(p.conStart, p.conEnd),
		TLSMs:     millis(p.tlsStart, p.tlsEnd),
		TTFBMs:    millis(p.wroteReq, p.firstByte),
	}
}

// Replay sends e's request again. Redirects are returned as-is unless follow is set.
func (r *Replayer) Replay(ctx context.Context, e capture.Exchange, follow bool) ReplayResult {
	if err := Replayable(e); err != nil {
		return ReplayResult{OK: false, Error: err.Error()}
	}
	res, err := r.replay(ctx, e, follow)
	if err != nil {
		r.log.Debug().Err(err).Int64("id", e.ID).Msg("replay failed")
		return ReplayResult{OK: false, Error: err.Error()}
	}
	return res
}

func (r *Replayer) replay(ctx context.Context, e capture.Exchange, follow bool) (ReplayResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	text, file := requestBody(e.ReqBody)
	switch {
	case text != "":
		body = strings.NewReader(text)
	case file != "":
		data, err := capture.ReadBody(e.ReqBody)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("read request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	p := &phases{}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, p.trace()), e.Method, e.URL(), body)
	if err != nil {
		return ReplayResult{}, err
	}
	headers, compressed := replayHeaders(e.ReqHeaders)
	for _, f := range headers {
		req.Header.Add(f.Name, f.Value)
	}
	if compressed {
		req.Header.Set("Accept-Encoding", e.ReqHeaders.Get("Accept-Encoding"))
	}

	client := &http.Client{Transport: r.tr}
	if !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return ReplayResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplayRead))
	if err != nil {
		return ReplayResult{}, fmt.Errorf("read response: %w", err)
	}
	rest, _ := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	decoded := raw
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && rest == 0 {
		if out, derr := capture.DecodeContent(raw, enc); derr == nil {
			decoded = out
		}
	}
	res := ReplayResult{
		OK:         true,
		Status:     resp.StatusCode,
		Headers:    capture.HeadersFrom(resp.Header),
		DurationMs: elapsed.Milliseconds(),
		Timings:    p.timings(),
		BodySize: int64(len(decoded)) + rest,
	}
	preview := decoded
	if len(preview) > PreviewBytes {
		preview = preview[:PreviewBytes]
		res.Truncated = true
	}
	res.BodyPreview = strings.ToValidUTF8(string(preview), "�")
	return res, nil
}

// ErrNoRequest is returned for exchanges without a usable target.
var ErrNoRequest = errors.New("exchange has no replayable request")

// Replayable reports whether e has enough data to be sent again.
func Replayable(e capture.Exchange) error {
	if e.Method == "" || e.Host == "" || e.Scheme == "" {
		return ErrNoRequest
	}
	return nil
}
