package capture

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRecorder(t *testing.T, opts Options) *Recorder {
	t.Helper()
	if opts.BodiesDir == "" {
		opts.BodiesDir = t.TempDir()
	}
	opts.Logger = zerolog.Nop()
	r := NewRecorder(opts)
	t.Cleanup(r.Close)
	return r
}

type fakeExchange struct {
	host, scheme, method, url string
	reqHeader                 http.Header
	reqBody                   []byte
	status                    int
	respHeader                http.Header
	respBody                  []byte
}

// drive feeds one exchange through the hooks, splitting the response body in
// two chunks the way a streaming engine would.
func drive(r *Recorder, x fakeExchange) *ConnCtx {
	if x.method == "" {
		x.method = "GET"
	}
	if x.scheme == "" {
		x.scheme = "https"
	}
	if x.status == 0 {
		x.status = 200
	}
	ctx := NewConnCtx(x.host, x.scheme)
	r.OnConnectionStart(ctx)
	r.OnRequestHeaders(ctx, x.method, x.url, x.reqHeader)
	if len(x.reqBody) > 0 {
		r.OnRequestChunk(ctx, x.reqBody)
	}
	r.OnResponseHeaders(ctx, x.status, x.respHeader)
	half := len(x.respBody) / 2
	if half > 0 {
		r.OnResponseChunk(ctx, x.respBody[:half])
	}
	if len(x.respBody) > half {
		r.OnResponseChunk(ctx, x.respBody[half:])
	}
	r.OnExchangeEnd(ctx)
	return ctx
}

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func hdr(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestRecorderJSONInlinePretty(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true})
	drive(r, fakeExchange{
		host:       "api.test",
		url:        "https://api.test/v1/items?x=1",
		respHeader: hdr("Content-Type", "application/json; charset=utf-8"),
		respBody:   []byte(`{"a":1234}`),
	})
	flush(t, r)

	e, err := r.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if e.Path != "/v1/items?x=1" || e.Host != "api.test" || e.Scheme != "https" {
		t.Fatalf("unexpected target: %s %s %s", e.Scheme, e.Host, e.Path)
	}
	if e.Mime != "application/json" {
		t.Fatalf("mime = %q", e.Mime)
	}
	if e.RespBody.Kind != BodyInline || !e.RespBody.JSONFormatted {
		t.Fatalf("expected formatted inline body, got %+v", e.RespBody)
	}
	if want := "{\n  \"a\": 1234\n}"; e.RespBody.Text != want {
		t.Fatalf("text = %q, want %q", e.RespBody.Text, want)
	}
	if e.State != StateComplete || !e.BodiesReady || e.RespSize != 10 {
		t.Fatalf("unexpected state %s ready=%v size=%d", e.State, e.BodiesReady, e.RespSize)
	}
	if e.ReqBody.Kind != BodyAbsent {
		t.Fatalf("empty request body should be absent, got %s", e.ReqBody.Kind)
	}
}

func TestRecorderLargeTextSpills(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true})
	body := bytes.Repeat([]byte("a"), 300<<10)
	drive(r, fakeExchange{
		host:       "big.test",
		url:        "http://big.test/file.txt",
		scheme:     "http",
		respHeader: hdr("Content-Type", "text/plain"),
		respBody:   body,
	})
	flush(t, r)

	e, _ := r.Get(1)
	if e.RespBody.Kind != BodyFile {
		t.Fatalf("expected spill, got %s", e.RespBody.Kind)
	}
	if !strings.HasSuffix(e.RespBody.File, "1_resp.bin") {
		t.Fatalf("spill file name = %q", e.RespBody.File)
	}
	data, err := os.ReadFile(e.RespBody.File)
	if err != nil || len(data) != len(body) {
		t.Fatalf("spill content: %d bytes, err %v", len(data), err)
	}
}

func TestRecorderBinaryWithoutMimeSpills(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true})
	drive(r, fakeExchange{host: "bin.test", url: "https://bin.test/x", respBody: []byte("ab\x00cd")})
	drive(r, fakeExchange{host: "bin.test", url: "https://bin.test/y", respBody: []byte("plain text")})
	flush(t, r)

	bin, _ := r.Get(1)
	if bin.RespBody.Kind != BodyFile {
		t.Fatalf("NUL body should spill, got %s", bin.RespBody.Kind)
	}
	d, _ := r.Detail(1)
	if d.RespBody.Text != "" || d.RespBody.Note != "5 bytes stored in 1_resp.bin" {
		t.Fatalf("spilled detail = %+v", d.RespBody)
	}
	txt, _ := r.Get(2)
	if txt.RespBody.Kind != BodyInline || txt.RespBody.Text != "plain text" {
		t.Fatalf("text body without mime should be inline, got %+v", txt.RespBody)
	}
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRecorderScopedGzipJSON(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true, Targets: []string{"example.com"}})
	payload := []byte(`{"name":"widget","count":42,"tags":["a","b"]}  `)
	gz := gzipBytes(t, payload)
	drive(r, fakeExchange{
		host:       "example.com",
		url:        "https://example.com/api",
		respHeader: hdr("Content-Type", "application/json", "Content-Encoding", "gzip"),
		respBody:   gz,
	})
	drive(r, fakeExchange{host: "other.com", url: "https://other.com/x", respBody: []byte("nope")})
	flush(t, r)

	page := r.List(0, 0, Filter{})
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("expected exactly one record, got total=%d items=%d", page.Total, len(page.Items))
	}
	e, _ := r.Get(page.Items[0].ID)
	if e.Host != "example.com" || e.Mime != "application/json" {
		t.Fatalf("unexpected record %s %s", e.Host, e.Mime)
	}
	want, _ := prettyJSON(payload)
	if e.RespBody.Text != want || !strings.Contains(e.RespBody.Text, "\n  \"count\": 42") {
		t.Fatalf("body not inflated and indented: %q", e.RespBody.Text)
	}
	if e.RespSize != int64(len(payload)) || e.RespRawSize != int64(len(gz)) {
		t.Fatalf("sizes: decoded %d raw %d", e.RespSize, e.RespRawSize)
	}
}

func TestRecorderListStatusFilter(t *testing.T) {
	r := newTestRecorder(t, Options{})
	for i, st := range []int{200, 404, 500, 404, 301} {
		drive(r, fakeExchange{host: "s.test", url: "https://s.test/p" + string(rune('a'+i)), status: st})
	}
	page := r.List(0, 0, Filter{Status: 404})
	if page.Matched != 2 || len(page.Items) != 2 {
		t.Fatalf("matched %d items %d", page.Matched, len(page.Items))
	}
	for _, it := range page.Items {
		if it.Status != 404 {
			t.Fatalf("got status %d", it.Status)
		}
	}
	if page.Items[0].ID != 4 || page.Items[1].ID != 2 {
		t.Fatalf("expected newest first, got %d,%d", page.Items[0].ID, page.Items[1].ID)
	}
}

func TestRecorderListFiltersAndPaging(t *testing.T) {
	r := newTestRecorder(t, Options{})
	drive(r, fakeExchange{host: "API.test", url: "https://api.test/Users/1", method: "get"})
	drive(r, fakeExchange{host: "api.test", url: "https://api.test/users/2", method: "POST"})
	drive(r, fakeExchange{host: "cdn.test", url: "https://cdn.test/users.js"})

	if p := r.List(0, 0, Filter{Host: "api", Path: "USERS", Method: "post"}); p.Matched != 1 || p.Items[0].ID != 2 {
		t.Fatalf("combined filter: %+v", p)
	}
	if p := r.List(0, 0, Filter{Method: "GET"}); p.Matched != 2 {
		t.Fatalf("method filter matched %d", p.Matched)
	}
	p := r.List(1, 1, Filter{})
	if p.Total != 3 || len(p.Items) != 1 || p.Items[0].ID != 2 {
		t.Fatalf("paging: %+v", p)
	}
	if ClampLimit(5000) != MaxLimit || ClampLimit(0) != DefaultLimit {
		t.Fatalf("limit clamp broken")
	}
}

func TestRecorderClearRestartsIDs(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true})
	drive(r, fakeExchange{host: "c.test", url: "https://c.test/", respBody: bytes.Repeat([]byte{0}, 16)})
	drive(r, fakeExchange{host: "c.test", url: "https://c.test/2"})
	flush(t, r)
	first, _ := r.Get(1)

	if n := r.Clear(); n != 2 {
		t.Fatalf("Clear dropped %d", n)
	}
	if r.List(0, 0, Filter{}).Total != 0 {
		t.Fatalf("records remain after clear")
	}
	if _, err := os.Stat(first.RespBody.File); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("spill file survived clear: %v", err)
	}
	drive(r, fakeExchange{host: "c.test", url: "https://c.test/3"})
	if p := r.List(0, 0, Filter{}); p.Items[0].ID != 1 {
		t.Fatalf("first id after clear = %d", p.Items[0].ID)
	}
}

func TestRecorderClearDiscardsInflight(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true})
	ctx := NewConnCtx("late.test", "https")
	r.OnConnectionStart(ctx)
	r.OnRequestHeaders(ctx, "GET", "https://late.test/", nil)
	r.Clear()
	r.OnResponseHeaders(ctx, 200, hdr("Content-Type", "text/plain"))
	r.OnResponseChunk(ctx, []byte("stale"))
	r.OnExchangeEnd(ctx)
	flush(t, r)
	if r.Len() != 0 {
		t.Fatalf("stale exchange leaked into new epoch")
	}
}

func TestRecorderStaleFinalizeKeepsNewSpill(t *testing.T) {
	dir := t.TempDir()
	r := newTestRecorder(t, Options{KeepBodies: true, BodiesDir: dir})
	drive(r, fakeExchange{host: "s.test", url: "https://s.test/old", respBody: []byte{1, 0, 1}})
	flush(t, r)
	r.store.RLock()
	oldEpoch := r.store.epoch
	r.store.RUnlock()

	r.Clear()
	fresh := []byte{2, 0, 2, 0}
	drive(r, fakeExchange{host: "s.test", url: "https://s.test/new", respBody: fresh})
	flush(t, r)
	cur, _ := r.Get(1)
	if cur.RespBody.Kind != BodyFile {
		t.Fatalf("new record not spilled: %+v", cur.RespBody)
	}

	// a finalization that began before the clear completes now
	stale := r.storeBody(1, oldEpoch, "resp", "", []byte{9, 0, 9, 0, 9})
	if _, ok := r.commit(finalizeJob{id: 1, epoch: oldEpoch}, Body{Kind: BodyAbsent}, stale, 5); ok {
		t.Fatalf("stale commit accepted")
	}
	got, err := os.ReadFile(cur.RespBody.File)
	if err != nil || !bytes.Equal(got, fresh) {
		t.Fatalf("new spill file damaged: %v %v", got, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Fatalf("staged file left behind: %s", e.Name())
		}
	}
}

func TestRecorderEvictionRemovesSpill(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true, MaxEntries: 1})
	drive(r, fakeExchange{host: "e.test", url: "https://e.test/a", respBody: []byte{1, 0, 2}})
	flush(t, r)
	old, _ := r.Get(1)
	drive(r, fakeExchange{host: "e.test", url: "https://e.test/b"})
	if _, err := r.Get(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("id 1 should be evicted, err=%v", err)
	}
	if _, err := os.Stat(old.RespBody.File); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("evicted spill file still present")
	}
}

func TestRecorderWithoutBodies(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: false})
	drive(r, fakeExchange{
		host:     "n.test",
		url:      "https://n.test/upload",
		method:   "PUT",
		reqBody:  []byte("0123456789"),
		respBody: []byte("ok!"),
	})
	flush(t, r)
	e, _ := r.Get(1)
	if e.ReqSize != 10 || e.RespSize != 3 {
		t.Fatalf("sizes %d/%d", e.ReqSize, e.RespSize)
	}
	if e.ReqBody.Kind != BodyAbsent || e.RespBody.Kind != BodyAbsent {
		t.Fatalf("bodies should be absent: %+v %+v", e.ReqBody, e.RespBody)
	}
}

func TestRecorderBodyLimitTruncates(t *testing.T) {
	r := newTestRecorder(t, Options{KeepBodies: true, MaxBodyBytes: 8})
	drive(r, fakeExchange{
		host:       "l.test",
		url:        "https://l.test/",
		respHeader: hdr("Content-Type", "text/plain"),
		respBody:   []byte("0123456789abcdef"),
	})
	flush(t, r)
	e, _ := r.Get(1)
	if e.RespSize != 16 || e.RespBody.Text != "01234567" || !e.RespBody.Truncated {
		t.Fatalf("unexpected truncated body: size=%d %+v", e.RespSize, e.RespBody)
	}
}

func TestRecorderErrorAndTruncation(t *testing.T) {
	r := newTestRecorder(t, Options{})
	ctx := NewConnCtx("down.test", "https")
	r.OnConnectionStart(ctx)
	r.OnRequestHeaders(ctx, "GET", "https://down.test/", nil)
	r.OnError(ctx, errors.New("connection refused"), StageUpstream)
	r.OnExchangeEnd(ctx)

	open := NewConnCtx("slow.test", "https")
	r.OnConnectionStart(open)
	r.OnRequestHeaders(open, "GET", "https://slow.test/", nil)
	if n := r.MarkTruncated(); n != 1 {
		t.Fatalf("MarkTruncated = %d", n)
	}
	flush(t, r)

	failed, _ := r.Get(1)
	if failed.State != StateError || !strings.Contains(failed.Error, "connection refused") {
		t.Fatalf("unexpected error record: %s %q", failed.State, failed.Error)
	}
	cut, _ := r.Get(2)
	if cut.State != StateTruncated || cut.TsEnd.IsZero() {
		t.Fatalf("expected truncated record, got %s", cut.State)
	}
}

func TestRecorderDetailAndObserver(t *testing.T) {
	got := make(chan Exchange, 1)
	r := newTestRecorder(t, Options{KeepBodies: true, OnFinalized: func(e Exchange) { got <- e }})
	drive(r, fakeExchange{
		host:       "d.test",
		url:        "https://d.test/form",
		method:     "POST",
		reqHeader:  hdr("Content-Type", "application/x-www-form-urlencoded"),
		reqBody:    []byte("a=1&b=2"),
		respHeader: hdr("Content-Type", "image/png"),
		respBody:   []byte("\x89PNG...."),
	})
	select {
	case e := <-got:
		if e.ID != 1 || !e.BodiesReady {
			t.Fatalf("observer got %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("observer not called")
	}
	d, err := r.Detail(1)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if d.ReqBody.Kind != BodyInline || d.ReqBody.Text != "a=1&b=2" {
		t.Fatalf("request body view %+v", d.ReqBody)
	}
	if d.RespBody.Kind != BodyFile || d.RespBody.Text != "" || d.RespBody.File == "" {
		t.Fatalf("binary response should be a file descriptor: %+v", d.RespBody)
	}
	if d.URL != "https://d.test/form" {
		t.Fatalf("url = %q", d.URL)
	}
	if _, err := r.Detail(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviewText(t *testing.T) {
	s, cut := previewText("héllo", 3)
	if s != "hél" || !cut {
		t.Fatalf("previewText = %q %v", s, cut)
	}
	if s, cut := previewText("ok", 3); s != "ok" || cut {
		t.Fatalf("short text changed: %q %v", s, cut)
	}
}

func TestExchangesOrder(t *testing.T) {
	r := newTestRecorder(t, Options{})
	for i := 0; i < 6; i++ {
		drive(r, fakeExchange{host: "o.test", url: "https://o.test/"})
	}
	got := r.Exchanges([]int64{5, 2, 42})
	if len(got) != 2 || got[0].ID != 5 || got[1].ID != 2 {
		t.Fatalf("Exchanges order: %+v", got)
	}
	if all := r.Exchanges(nil); len(all) != 6 || all[0].ID != 1 {
		t.Fatalf("Exchanges(nil) should be oldest first")
	}
}
