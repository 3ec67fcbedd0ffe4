package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/observability"
)

type finalizeJob struct {
	id    int64
	epoch uint64
	p     *pending
}

// finalizer runs body storage off the proxy's data path. The queue is bounded:
// a full queue blocks only the connection that is finishing.
type finalizer struct {
	queue    chan finalizeJob
	done     chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64
	once     sync.Once
	run      func(finalizeJob)
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func newFinalizer(workers, size int, run func(finalizeJob), log zerolog.Logger, m *observability.Metrics) *finalizer {
	f := &finalizer{
		queue:   make(chan finalizeJob, size),
		done:    make(chan struct{}),
		run:     run,
		log:     log,
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

func (f *finalizer) worker() {
	defer f.wg.Done()
	for {
		select {
		case j := <-f.queue:
			f.process(j)
		case <-f.done:
			for {
				select {
				case j := <-f.queue:
					f.process(j)
				default:
					return
				}
			}
		}
	}
}

func (f *finalizer) enqueue(j finalizeJob) {
	f.inflight.Add(1)
	select {
	case f.queue <- j:
		f.depth()
	case <-f.done:
		f.process(j)
	}
}

func (f *finalizer) depth() {
	if f.metrics != nil {
		f.metrics.FinalizeQueueDepth.Set(float64(len(f.queue)))
	}
}

func (f *finalizer) process(j finalizeJob) {
	defer f.inflight.Add(-1)
	defer f.depth()
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Error().Interface("panic", rec).Int64("id", j.id).Msg("finalize panicked")
			if f.metrics != nil {
				f.metrics.FinalizeErrors.WithLabelValues("panic").Inc()
			}
		}
	}()
	f.run(j)
}

// flush waits for the queue and all running jobs to drain.
func (f *finalizer) flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		if f.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (f *finalizer) close() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}

// finalize decodes, classifies and stores both bodies of one exchange.
// Failures are logged and leave only the body fields empty.
func (r *Recorder) finalize(j finalizeJob) {
	p := j.p
	p.mu.Lock()
	reqRaw := append([]byte(nil), p.reqBuf.Bytes()...)
	respRaw := append([]byte(nil), p.respBuf.Bytes()...)
	reqTrunc := p.keep && p.reqN > int64(p.reqBuf.Len())
	respTrunc := p.keep && p.respN > int64(p.respBuf.Len())
	keep, reqMime, reqEnc, respEnc := p.keep, p.reqMime, p.reqEnc, p.respEnc
	p.reqBuf = bytes.Buffer{}
	p.respBuf = bytes.Buffer{}
	p.mu.Unlock()

	if !r.store.alive(j.id, j.epoch) {
		return
	}
	rec, ok := r.store.get(j.id)
	if !ok {
		return
	}
	var reqBody, respBody Body
	respSize := rec.RespSize
	if keep {
		reqData := r.decode(j.id, "request", reqRaw, reqEnc, reqTrunc)
		respData := r.decode(j.id, "response", respRaw, respEnc, respTrunc)
		if !respTrunc {
			respSize = int64(len(respData))
		}
		reqBody = r.storeBody(j.id, j.epoch, "req", reqMime, reqData)
		respBody = r.storeBody(j.id, j.epoch, "resp", rec.Mime, respData)
		reqBody.Truncated = reqTrunc
		respBody.Truncated = respTrunc
	} else {
		reqBody = Body{Kind: BodyAbsent}
		respBody = Body{Kind: BodyAbsent}
	}

	final, ok := r.commit(j, reqBody, respBody, respSize)
	if !ok {
		return
	}
	if r.onFinalized != nil {
		r.onFinalized(final)
	}
}

// commit attaches the stored bodies to the live record. Staged spill files
// are renamed to their final names under the store lock, so a record from an
// older epoch never touches the files of a newer record with the same id.
func (r *Recorder) commit(j finalizeJob, reqBody, respBody Body, respSize int64) (Exchange, bool) {
	var final Exchange
	ok := r.store.update(j.id, j.epoch, func(e *Exchange) {
		e.ReqBody = r.promote(reqBody, j.id, "req")
		e.RespBody = r.promote(respBody, j.id, "resp")
		e.RespSize = respSize
		e.BodiesReady = true
		final = *e
	})
	if !ok {
		// evicted or cleared while we worked
		removeSpill(&Exchange{ReqBody: reqBody, RespBody: respBody})
	}
	return final, ok
}

// promote moves a staged spill file to {bodiesDir}/{id}_{dir}.bin.
func (r *Recorder) promote(b Body, id int64, dir string) Body {
	if b.Kind != BodyFile {
		return b
	}
	path := spillPath(r.bodiesDir, id, dir)
	if err := os.Rename(b.File, path); err != nil {
		r.log.Error().Err(err).Str("file", path).Msg("spill rename failed")
		_ = os.Remove(b.File)
		return Body{Kind: BodyAbsent, Size: b.Size, Truncated: b.Truncated}
	}
	b.File = path
	return b
}

func spillPath(dir string, id int64, direction string) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%s.bin", id, direction))
}

// decode removes content codings. A truncated or undecodable body is kept raw.
func (r *Recorder) decode(id int64, dir string, raw []byte, enc string, truncated bool) []byte {
	if enc == "" || len(raw) == 0 || truncated {
		return raw
	}
	out, err := DecodeContent(raw, enc)
	if err != nil {
		r.log.Warn().Err(err).Int64("id", id).Str("direction", dir).Msg("body decode failed, keeping raw bytes")
		if r.metrics != nil {
			r.metrics.FinalizeErrors.WithLabelValues("decode").Inc()
		}
		return raw
	}
	return out
}

// storeBody keeps small textual bodies inline and stages the rest in a file
// named for the id and epoch; commit gives it the final name.
func (r *Recorder) storeBody(id int64, epoch uint64, dir, mime string, data []byte) Body {
	if len(data) == 0 {
		return Body{Kind: BodyAbsent}
	}
	size := int64(len(data))
	if isTextual(mime, data) && len(data) <= r.inlineLimit {
		if isJSONMime(mime) {
			if pretty, ok := prettyJSON(data); ok {
				return Body{Kind: BodyInline, Text: pretty, Size: size, JSONFormatted: true}
			}
		}
		return Body{Kind: BodyInline, Text: toText(data), Size: size}
	}
	path := spillPath(r.bodiesDir, id, dir) + fmt.Sprintf(".%d.part", epoch)
	if err := writeSpill(path, data); err != nil {
		r.log.Error().Err(err).Str("file", path).Msg("spill write failed")
		if r.metrics != nil {
			r.metrics.FinalizeErrors.WithLabelValues("spill").Inc()
		}
		return Body{Kind: BodyAbsent, Size: size}
	}
	if r.metrics != nil {
		r.metrics.SpilledBodies.WithLabelValues(dir).Inc()
	}
	return Body{Kind: BodyFile, File: path, Size: size}
}

func writeSpill(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
