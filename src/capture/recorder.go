package capture

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/observability"
)

// Options configures a Recorder.
type Options struct {
	MaxEntries   int
	KeepBodies   bool
	Targets      []string
	BodiesDir    string
	InlineLimit  int
	MaxBodyBytes int64
	Workers      int
	QueueSize    int

	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// OnFinalized observes each exchange after its bodies are stored.
	OnFinalized func(Exchange)
}

func (o *Options) setDefaults() {
	if o.MaxEntries < 1 {
		o.MaxEntries = 1000
	}
	if o.InlineLimit < 1 {
		o.InlineLimit = 256 << 10
	}
	if o.MaxBodyBytes < 1 {
		o.MaxBodyBytes = 64 << 20
	}
	if o.Workers < 1 {
		o.Workers = 2
	}
	if o.QueueSize < 1 {
		o.QueueSize = 256
	}
}

// Recorder implements Hooks: it opens a record per in-scope exchange, buffers
// bodies while they stream and hands finished exchanges to the finalizer.
type Recorder struct {
	store *exchangeStore
	fin   *finalizer

	filter     atomic.Pointer[TargetFilter]
	keepBodies atomic.Bool

	bodiesDir    string
	inlineLimit  int
	maxBodyBytes int64

	log         zerolog.Logger
	metrics     *observability.Metrics
	onFinalized func(Exchange)
}

// pending is the per-exchange state attached to a ConnCtx.
type pending struct {
	mu      sync.Mutex
	skip    bool
	id      int64
	epoch   uint64
	keep    bool
	limit   int64
	reqBuf  bytes.Buffer
	respBuf bytes.Buffer
	reqN    int64
	respN   int64
	reqMime string
	reqEnc  string
	respEnc string
	ended   bool
}

func (p *pending) write(buf *bytes.Buffer, n *int64, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*n += int64(len(b))
	if !p.keep || p.id == 0 {
		return
	}
	room := p.limit - int64(buf.Len())
	if room <= 0 {
		return
	}
	if int64(len(b)) > room {
		b = b[:room]
	}
	buf.Write(b)
}

// NewRecorder builds a recorder and starts its finalizer workers.
func NewRecorder(opts Options) *Recorder {
	opts.setDefaults()
	r := &Recorder{
		store:        newExchangeStore(opts.MaxEntries),
		bodiesDir:    opts.BodiesDir,
		inlineLimit:  opts.InlineLimit,
		maxBodyBytes: opts.MaxBodyBytes,
		log:          opts.Logger.With().Str("component", "recorder").Logger(),
		metrics:      opts.Metrics,
		onFinalized:  opts.OnFinalized,
	}
	r.filter.Store(NewTargetFilter(opts.Targets))
	r.keepBodies.Store(opts.KeepBodies)
	r.fin = newFinalizer(opts.Workers, opts.QueueSize, r.finalize, r.log, r.metrics)
	return r
}

// Configure applies capture settings. Resizing keeps the newest records.
func (r *Recorder) Configure(maxEntries int, keepBodies bool, targets []string) {
	r.filter.Store(NewTargetFilter(targets))
	r.keepBodies.Store(keepBodies)
	if maxEntries > 0 {
		for _, e := range r.store.resize(maxEntries) {
			r.evicted(e)
		}
	}
}

// Filter returns the active target filter.
func (r *Recorder) Filter() *TargetFilter { return r.filter.Load() }

// KeepBodies reports whether bodies are being buffered.
func (r *Recorder) KeepBodies() bool { return r.keepBodies.Load() }

// Capacity is the ring size.
func (r *Recorder) Capacity() int { return r.store.capacity() }

// Len is the number of retained records.
func (r *Recorder) Len() int { return r.store.len() }

// BodiesDir is where spill files are written.
func (r *Recorder) BodiesDir() string { return r.bodiesDir }

func pendingOf(ctx *ConnCtx) *pending {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.State().(*pending)
	if p == nil || p.skip {
		return nil
	}
	return p
}

func (r *Recorder) OnConnectionStart(ctx *ConnCtx) {
	p := &pending{keep: r.keepBodies.Load(), limit: r.maxBodyBytes}
	if !r.filter.Load().ShouldCapture(ctx.Host) {
		p.skip = true
	}
	ctx.Attach(p)
}

func (r *Recorder) OnRequestHeaders(ctx *ConnCtx, method, rawURL string, headers http.Header) {
	p := pendingOf(ctx)
	if p == nil {
		return
	}
	scheme, host, path := splitTarget(rawURL, ctx)
	e := &Exchange{
		TsStart:    time.Now(),
		Method:     strings.ToUpper(method),
		Scheme:     scheme,
		Host:       host,
		Path:       path,
		ReqHeaders: HeadersFrom(headers),
		State:      StateOpen,
	}
	id, epoch, evicted := r.store.add(e)

	p.mu.Lock()
	p.id, p.epoch = id, epoch
	p.reqMime = mimeOf(headers.Get("Content-Type"))
	p.reqEnc = headers.Get("Content-Encoding")
	p.mu.Unlock()

	if evicted != nil {
		r.evicted(evicted)
	}
	if r.metrics != nil {
		r.metrics.ExchangesTotal.WithLabelValues(scheme).Inc()
		r.metrics.ActiveExchanges.Inc()
	}
}

// splitTarget resolves scheme, host and path+query, preferring what the
// engine negotiated for the connection.
func splitTarget(rawURL string, ctx *ConnCtx) (scheme, host, path string) {
	scheme, host, path = ctx.Scheme, ctx.Host, "/"
	u, err := url.Parse(rawURL)
	if err != nil {
		return scheme, host, path
	}
	if u.Scheme != "" && scheme == "" {
		scheme = u.Scheme
	}
	if u.Host != "" {
		host = u.Host
	}
	if ru := u.RequestURI(); ru != "" && !strings.Contains(ru, "://") {
		path = ru
	}
	if scheme == "" {
		scheme = "http"
	}
	return scheme, stripDefaultPort(scheme, host), path
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	}
	return host
}

func (r *Recorder) OnRequestChunk(ctx *ConnCtx, b []byte) {
	if p := pendingOf(ctx); p != nil {
		p.write(&p.reqBuf, &p.reqN, b)
	}
}

func (r *Recorder) OnResponseHeaders(ctx *ConnCtx, status int, headers http.Header) {
	p := pendingOf(ctx)
	if p == nil {
		return
	}
	p.mu.Lock()
	id, epoch := p.id, p.epoch
	p.respEnc = headers.Get("Content-Encoding")
	p.mu.Unlock()
	if id == 0 {
		return
	}
	hdr := HeadersFrom(headers)
	mime := mimeOf(headers.Get("Content-Type"))
	r.store.update(id, epoch, func(e *Exchange) {
		e.Status = status
		e.RespHeaders = hdr
		e.Mime = mime
	})
}

func (r *Recorder) OnResponseChunk(ctx *ConnCtx, b []byte) {
	if p := pendingOf(ctx); p != nil {
		p.write(&p.respBuf, &p.respN, b)
	}
}

func (r *Recorder) OnExchangeEnd(ctx *ConnCtx) {
	p := pendingOf(ctx)
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.ended || p.id == 0 {
		p.mu.Unlock()
		return
	}
	p.ended = true
	id, epoch, reqN, respN := p.id, p.epoch, p.reqN, p.respN
	p.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveExchanges.Dec()
	}
	now := time.Now()
	ok := r.store.update(id, epoch, func(e *Exchange) {
		e.TsEnd = now
		e.ReqSize = reqN
		e.RespSize = respN
		e.RespRawSize = respN
		if e.State == StateOpen {
			e.State = StateComplete
		}
	})
	if !ok {
		return
	}
	r.fin.enqueue(finalizeJob{id: id, epoch: epoch, p: p})
}

func (r *Recorder) OnError(ctx *ConnCtx, err error, stage string) {
	if r.metrics != nil {
		r.metrics.HookErrors.WithLabelValues(stage).Inc()
	}
	host := ""
	if ctx != nil {
		host = ctx.Host
	}
	r.log.Debug().Err(err).Str("stage", stage).Str("host", host).Msg("engine error")
	p := pendingOf(ctx)
	if p == nil {
		return
	}
	p.mu.Lock()
	id, epoch := p.id, p.epoch
	p.mu.Unlock()
	if id == 0 {
		return
	}
	msg := stage + ": " + err.Error()
	r.store.update(id, epoch, func(e *Exchange) {
		e.State = StateError
		if e.Error == "" {
			e.Error = msg
		}
	})
}

// MarkTruncated closes every open record as truncated. Used on stop.
func (r *Recorder) MarkTruncated() int {
	now := time.Now()
	n := 0
	r.store.Lock()
	defer r.store.Unlock()
	for _, e := range r.store.buf {
		if e != nil && e.State == StateOpen {
			e.State = StateTruncated
			e.TsEnd = now
			n++
		}
	}
	return n
}

// Flush waits until every queued exchange has been finalized.
func (r *Recorder) Flush(ctx context.Context) error { return r.fin.flush(ctx) }

// Close stops the finalizer after draining its queue.
func (r *Recorder) Close() { r.fin.close() }

// Clear drops all records and their spill files and restarts ids at 1.
// In-flight exchanges from before the clear are discarded when they finish.
func (r *Recorder) Clear() int {
	dropped := r.store.clear()
	for _, e := range dropped {
		removeSpill(e)
	}
	return len(dropped)
}

// Restore seeds the ring from persisted records (oldest first).
func (r *Recorder) Restore(list []Exchange) { r.store.populate(list) }

func (r *Recorder) evicted(e *Exchange) {
	removeSpill(e)
	if r.metrics != nil {
		r.metrics.EvictionsTotal.Inc()
	}
}

func removeSpill(e *Exchange) {
	for _, b := range []Body{e.ReqBody, e.RespBody} {
		if b.Kind == BodyFile && b.File != "" {
			_ = os.Remove(b.File)
		}
	}
}
