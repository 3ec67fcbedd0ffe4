package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/capture"
	"HTTPCaptureBox/src/config"
	"HTTPCaptureBox/src/control"
)

func newTestApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Proxy.Host = "127.0.0.1"
	cfg.Proxy.Port = 0
	cfg.Proxy.MITM = false
	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	srv := httptest.NewServer(a.api.routes())
	t.Cleanup(func() {
		a.broker.closeAll()
		srv.Close()
		_ = a.session.Stop(context.Background())
		a.rec.Close()
	})
	return a, srv
}

func doJSON(t *testing.T, method, u string, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, u, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionEndpoints(t *testing.T) {
	_, srv := newTestApp(t)

	var st control.Status
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/status", "", &st); code != 200 || st.Running {
		t.Fatalf("status = %d %+v", code, st)
	}

	var started struct {
		Port   int            `json:"port"`
		Status control.Status `json:"status"`
	}
	code := doJSON(t, http.MethodPost, srv.URL+"/api/session/start", `{"maxEntries":10,"targets":["127.0.0.1"]}`, &started)
	if code != 200 || started.Port == 0 || !started.Status.Running || started.Status.MaxEntries != 10 {
		t.Fatalf("start = %d %+v", code, started)
	}

	var again struct {
		Port int `json:"port"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/api/session/start", "", &again)
	if again.Port != started.Port {
		t.Fatalf("second start moved the port: %d vs %d", again.Port, started.Port)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/api/session/stop", "", &st); code != 200 || st.Running {
		t.Fatalf("stop = %d %+v", code, st)
	}
}

func TestExchangeEndpoints(t *testing.T) {
	a, srv := newTestApp(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"widget"}`)
	}))
	defer upstream.Close()

	port, err := a.session.Start(context.Background(), control.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	proxyURL, _ := url.Parse("http://127.0.0.1:" + strconv.Itoa(port))
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(upstream.URL + "/widgets/1?full=1")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	waitFor(t, "finalized exchange", func() bool {
		e, err := a.rec.Get(1)
		return err == nil && e.BodiesReady
	})

	var page capture.Page
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/exchanges?method=GET&limit=5", "", &page); code != 200 || len(page.Items) != 1 {
		t.Fatalf("list = %d %+v", code, page)
	}

	var d capture.Detail
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/exchanges/1", "", &d); code != 200 || !strings.Contains(d.RespBody.Text, `"name": "widget"`) {
		t.Fatalf("detail = %d %+v", code, d)
	}

	resp, err = http.Get(srv.URL + "/api/exchanges/1/body")
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/json" || string(raw) != `{"name":"widget"}` {
		t.Fatalf("body endpoint = %q %q", resp.Header.Get("Content-Type"), raw)
	}

	var curl map[string]string
	doJSON(t, http.MethodGet, srv.URL+"/api/exchanges/1/curl", "", &curl)
	if curl["dialect"] != "posix" || !strings.HasPrefix(curl["command"], "curl '"+upstream.URL+"/widgets/1?full=1'") {
		t.Fatalf("curl = %+v", curl)
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/exchanges/1/curl?dialect=powershell", "", &curl)
	if !strings.HasPrefix(curl["command"], "Invoke-WebRequest") {
		t.Fatalf("powershell = %+v", curl)
	}

	var har struct {
		Log struct {
			Version string            `json:"version"`
			Entries []json.RawMessage `json:"entries"`
		} `json:"log"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/har", `{"ids":[1,7]}`, &har); code != 200 || har.Log.Version != "1.2" || len(har.Log.Entries) != 1 {
		t.Fatalf("har = %d %+v", code, har)
	}

	var latency []map[string]any
	doJSON(t, http.MethodGet, srv.URL+"/api/metrics/latency", "", &latency)
	if len(latency) != 1 {
		t.Fatalf("latency = %+v", latency)
	}
	route, _ := latency[0]["route"].(map[string]any)
	if route["path"] != "/widgets/1" {
		t.Fatalf("latency route = %+v", route)
	}

	var cleared map[string]int
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/exchanges", "", &cleared); code != 200 || cleared["cleared"] != 1 {
		t.Fatalf("clear = %d %+v", code, cleared)
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/metrics/latency", "", &latency)
	if len(latency) != 0 {
		t.Fatalf("latency should reset with the ring, got %+v", latency)
	}
}

func TestErrorEnvelope(t *testing.T) {
	_, srv := newTestApp(t)

	cases := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodGet, "/api/exchanges/abc", 400, "bad_id"},
		{http.MethodGet, "/api/exchanges/99", 404, "not_found"},
		{http.MethodGet, "/api/exchanges/99/curl?dialect=fish", 400, "bad_dialect"},
		{http.MethodGet, "/api/exchanges?limit=-1", 400, "bad_limit"},
		{http.MethodPost, "/api/exchanges/99/replay", 404, "not_found"},
		{http.MethodGet, "/api/har?ids=1,x", 400, "bad_id"},
	}
	for _, tc := range cases {
		var body apiErrorBody
		if got := doJSON(t, tc.method, srv.URL+tc.path, "", &body); got != tc.status || body.Error.Code != tc.code {
			t.Errorf("%s %s = %d %+v, want %d %s", tc.method, tc.path, got, body, tc.status, tc.code)
		}
	}

	var body apiErrorBody
	if got := doJSON(t, http.MethodPost, srv.URL+"/api/session/start", "{not json", &body); got != 400 || body.Error.Code != "bad_json" {
		t.Fatalf("bad start body = %d %+v", got, body)
	}
	if got := doJSON(t, http.MethodPost, srv.URL+"/api/sysproxy", `{"host":"127.0.0.1","port":-1}`, &body); got != 400 || body.Error.Code != "bad_port" {
		t.Fatalf("bad sysproxy port = %d %+v", got, body)
	}
}

func TestSSEFeed(t *testing.T) {
	a, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); line != ": ok\n" {
		t.Fatalf("preamble %q", line)
	}

	a.session.Clear()

	lines := make(chan string, 8)
	go func() {
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early")
			}
			if line == "event: cleared\n" {
				return
			}
		case <-timeout:
			t.Fatalf("no cleared event")
		}
	}
}

func TestWebsocketFeed(t *testing.T) {
	a, srv := newTestApp(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "websocket subscriber", func() bool { return a.broker.clientCount() == 1 })

	a.broker.publish(control.ExchangeEvent(capture.Exchange{ID: 3, Method: "GET", Host: "h", Path: "/"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev control.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != control.EventExchange || ev.ID != 3 || ev.Summary == nil || ev.Summary.Path != "/" {
		t.Fatalf("event = %+v", ev)
	}

	conn.Close()
	waitFor(t, "subscriber removal", func() bool { return a.broker.clientCount() == 0 })
}

func TestBrokerDropsForSlowClients(t *testing.T) {
	b := newEventBroker()
	b.buffer = 1
	ch := b.addClient()
	b.publish(control.Event{Type: control.EventCleared})
	b.publish(control.Event{Type: control.EventSession})
	if ev := <-ch; ev.Type != control.EventCleared {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("slow client should have missed %+v", ev)
	default:
	}
	b.removeClient(ch)
	b.removeClient(ch)
	if b.clientCount() != 0 {
		t.Fatalf("client not removed")
	}
}
