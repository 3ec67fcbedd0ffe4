package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/capture"
)

func sample(id int64) capture.Exchange {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return capture.Exchange{
		ID:      id,
		TsStart: start,
		TsEnd:   start.Add(120 * time.Millisecond),
		Method:  "POST",
		Scheme:  "https",
		Host:    "api.example.com",
		Path:    "/v1/items?b=2&a=x%20y",
		Status:  201,
		Mime:    "application/json",
		ReqSize: 9,
		ReqHeaders: capture.Headers{
			{Name: "Accept-Encoding", Value: "gzip, br"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "Content-Length", Value: "9"},
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Cookie", Value: "sid=abc; theme=dark"},
			{Name: "Host", Value: "api.example.com"},
			{Name: "User-Agent", Value: "tester/1.0"},
			{Name: "X-Note", Value: "it's here"},
		},
		RespHeaders: capture.Headers{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Set-Cookie", Value: "sid=new; Path=/; HttpOnly"},
		},
		ReqBody:  capture.Body{Kind: capture.BodyInline, Text: "{\n  \"n\": 1\n}", Size: 9, JSONFormatted: true},
		RespBody: capture.Body{Kind: capture.BodyInline, Text: `{"ok":true}`, Size: 11},
		RespSize: 11,
		State:    capture.StateComplete,
	}
}

func TestBuildHAROrderAndShape(t *testing.T) {
	spilled := sample(5)
	spilled.RespBody = capture.Body{Kind: capture.BodyFile, File: "/tmp/5_resp.bin", Size: 4096}
	spilled.RespSize = 4096

	har := BuildHAR([]capture.Exchange{sample(2), spilled}, "HTTPCaptureBox", "test")
	raw, err := json.Marshal(har)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc struct {
		Log struct {
			Version string `json:"version"`
			Creator struct {
				Name string `json:"name"`
			} `json:"creator"`
			Entries []map[string]any `json:"entries"`
		} `json:"log"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Log.Version != "1.2" || doc.Log.Creator.Name != "HTTPCaptureBox" || len(doc.Log.Entries) != 2 {
		t.Fatalf("unexpected log header: %+v", doc.Log)
	}

	first := har.Log.Entries[0]
	if first.Request.URL != "https://api.example.com/v1/items?b=2&a=x%20y" {
		t.Fatalf("url = %s", first.Request.URL)
	}
	if len(first.Request.QueryString) != 2 || first.Request.QueryString[0].Name != "b" || first.Request.QueryString[1].Value != "x y" {
		t.Fatalf("queryString = %+v", first.Request.QueryString)
	}
	if len(first.Request.Cookies) != 2 || first.Response.Cookies[0].Name != "sid" || !first.Response.Cookies[0].HTTPOnly {
		t.Fatalf("cookies: %+v / %+v", first.Request.Cookies, first.Response.Cookies)
	}
	if first.Request.PostData == nil || first.Response.Content.Text != `{"ok":true}` || first.Time != 120 {
		t.Fatalf("bodies or time missing: %+v", first)
	}
	second := har.Log.Entries[1]
	if second.Response.Content.Text != "" || second.Response.Content.Size != 4096 {
		t.Fatalf("spilled body should be omitted with size kept: %+v", second.Response.Content)
	}
	if second.StartedDateTime != "2024-05-01T12:00:00Z" {
		t.Fatalf("startedDateTime = %s", second.StartedDateTime)
	}
}

func TestCurlPOSIX(t *testing.T) {
	got := Curl(sample(1))
	want := strings.Join([]string{
		`curl 'https://api.example.com/v1/items?b=2&a=x%20y'`,
		`-X 'POST'`,
		`-H 'Content-Type: application/json'`,
		`-H 'Cookie: sid=abc; theme=dark'`,
		`-H 'User-Agent: tester/1.0'`,
		`-H 'X-Note: it'\''s here'`,
		`--data-raw '{"n":1}'`,
		`--compressed`,
	}, " \\\n  ")
	if got != want {
		t.Fatalf("curl mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCurlGETWithoutBody(t *testing.T) {
	e := sample(1)
	e.Method = "GET"
	e.ReqBody = capture.Body{Kind: capture.BodyAbsent}
	e.ReqHeaders = nil
	if got := Curl(e); got != `curl 'https://api.example.com/v1/items?b=2&a=x%20y'` {
		t.Fatalf("curl = %s", got)
	}
	e.ReqBody = capture.Body{Kind: capture.BodyFile, File: "/data/7_req.bin"}
	if got := Curl(e); !strings.Contains(got, `--data-binary '@/data/7_req.bin'`) {
		t.Fatalf("spilled body not referenced: %s", got)
	}
}

func TestCurlHEADUsesHeadFlag(t *testing.T) {
	e := sample(1)
	e.Method = "HEAD"
	e.ReqBody = capture.Body{Kind: capture.BodyAbsent}
	e.ReqHeaders = nil
	if got := Curl(e); got != "curl 'https://api.example.com/v1/items?b=2&a=x%20y' \\\n  -I" {
		t.Fatalf("curl = %q", got)
	}
}

func TestCurlPowerShell(t *testing.T) {
	e := sample(1)
	e.ReqHeaders = append(e.ReqHeaders, capture.HeaderField{Name: "X-Note", Value: "second"})
	got := CurlPowerShell(e)
	want := strings.Join([]string{
		`Invoke-WebRequest -UseBasicParsing -Uri 'https://api.example.com/v1/items?b=2&a=x%20y'`,
		`-Method 'POST'`,
		`-Headers @{ 'Cookie' = 'sid=abc; theme=dark'; 'X-Note' = 'it''s here, second' }`,
		`-ContentType 'application/json'`,
		`-UserAgent 'tester/1.0'`,
		`-Body '{"n":1}'`,
	}, " `\n  ")
	if got != want {
		t.Fatalf("powershell mismatch\n got: %s\nwant: %s", got, want)
	}
}

func exchangeFor(t *testing.T, rawURL, method string) capture.Exchange {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return capture.Exchange{ID: 1, Method: method, Scheme: u.Scheme, Host: u.Host, Path: u.RequestURI()}
}

func TestReplaySendsOriginalRequest(t *testing.T) {
	var gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotHeader = string(b), r.Header.Get("X-Trace")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, "replayed:"+r.Method)
		zw.Close()
	}))
	defer srv.Close()

	e := exchangeFor(t, srv.URL+"/echo", "PUT")
	e.ReqHeaders = capture.Headers{{Name: "X-Trace", Value: "t-1"}, {Name: "Content-Type", Value: "application/json"}}
	e.ReqBody = capture.Body{Kind: capture.BodyInline, Text: "{\n  \"a\": 1\n}", JSONFormatted: true}

	res := NewReplayer(ReplayerOptions{Timeout: 5 * time.Second, Logger: zerolog.Nop()}).Replay(context.Background(), e, false)
	if !res.OK || res.Status != 200 {
		t.Fatalf("replay failed: %+v", res)
	}
	if gotBody != `{"a":1}` || gotHeader != "t-1" {
		t.Fatalf("server got body %q header %q", gotBody, gotHeader)
	}
	if res.BodyPreview != "replayed:PUT" || res.BodySize != int64(len("replayed:PUT")) || res.Timings == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestReplaySpilledBodyAndRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	}))
	defer srv.Close()

	rp := NewReplayer(ReplayerOptions{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	e := exchangeFor(t, srv.URL+"/start", "GET")
	if res := rp.Replay(context.Background(), e, false); res.Status != http.StatusFound {
		t.Fatalf("expected redirect to be returned, got %d", res.Status)
	}
	if res := rp.Replay(context.Background(), e, true); res.Status != 200 {
		t.Fatalf("expected redirect to be followed, got %d", res.Status)
	}

	path := filepath.Join(t.TempDir(), "1_req.bin")
	blob := bytes.Repeat([]byte{0, 1, 2}, 1000)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatal(err)
	}
	post := exchangeFor(t, srv.URL+"/final", "POST")
	post.ReqBody = capture.Body{Kind: capture.BodyFile, File: path, Size: int64(len(blob))}
	if res := rp.Replay(context.Background(), post, false); !res.OK || res.BodySize != int64(len(blob)) {
		t.Fatalf("spilled body not replayed: %+v", res)
	}
}

func TestReplayNetworkError(t *testing.T) {
	e := exchangeFor(t, "http://127.0.0.1:1/nothing", "GET")
	res := NewReplayer(ReplayerOptions{Timeout: 2 * time.Second, Logger: zerolog.Nop()}).Replay(context.Background(), e, false)
	if res.OK || res.Error == "" {
		t.Fatalf("expected failure result, got %+v", res)
	}
	if err := Replayable(capture.Exchange{}); err != ErrNoRequest {
		t.Fatalf("Replayable(empty) = %v", err)
	}
}

func TestReplayRejectsIncompleteRecord(t *testing.T) {
	rp := NewReplayer(ReplayerOptions{Timeout: time.Second, Logger: zerolog.Nop()})
	res := rp.Replay(context.Background(), capture.Exchange{ID: 1, Method: "GET", Scheme: "http", Path: "/x"}, false)
	if res.OK || res.Error != ErrNoRequest.Error() {
		t.Fatalf("hostless record = %+v", res)
	}
}

func TestReplayTimingsConcurrentMarks(t *testing.T) {
	p := &phases{}
	tr := p.trace()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.ConnectStart("tcp", "127.0.0.1:1")
			tr.ConnectDone("tcp", "127.0.0.1:1", nil)
		}()
	}
	wg.Wait()
	first := p.conStart
	tr.ConnectStart("tcp", "[::1]:1")
	if !p.conStart.Equal(first) || p.timings().ConnectMs < 0 {
		t.Fatalf("connect start moved after the first dial")
	}
}
