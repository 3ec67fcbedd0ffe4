package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/analysis"
	"HTTPCaptureBox/src/capture"
	"HTTPCaptureBox/src/control"
	"HTTPCaptureBox/src/export"
	"HTTPCaptureBox/src/observability"
)

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	if code == "" {
		code = http.StatusText(status)
	}
	writeJSON(w, status, apiErrorBody{Error: apiError{Code: code, Message: message, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFailure maps domain errors onto the envelope.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, control.ErrNotRunning):
		writeError(w, http.StatusConflict, "not_running", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

// apiServer is the control plane HTTP surface.
type apiServer struct {
	session  *control.Session
	broker   *eventBroker
	analysis *analysis.Registry
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)

	mux.HandleFunc("GET /api/exchanges", a.handleList)
	mux.HandleFunc("DELETE /api/exchanges", a.handleClear)
	mux.HandleFunc("GET /api/exchanges/{id}", a.handleDetail)
	mux.HandleFunc("GET /api/exchanges/{id}/body", a.handleBody)
	mux.HandleFunc("GET /api/exchanges/{id}/curl", a.handleCurl)
	mux.HandleFunc("POST /api/exchanges/{id}/replay", a.handleReplay)

	mux.HandleFunc("GET /api/har", a.handleHAR)
	mux.HandleFunc("POST /api/har", a.handleHAR)

	mux.HandleFunc("GET /api/sysproxy", a.handleSysProxy)
	mux.HandleFunc("POST /api/sysproxy", a.handleSysProxy)
	mux.HandleFunc("DELETE /api/sysproxy", a.handleSysProxy)

	mux.HandleFunc("GET /api/cert", a.handleCert)
	mux.HandleFunc("POST /api/cert", a.handleCert)
	mux.HandleFunc("DELETE /api/cert", a.handleCert)
	mux.HandleFunc("GET /api/cert/pem", a.handleCertPEM)

	mux.HandleFunc("GET /api/metrics/latency", a.handleLatency)
	mux.HandleFunc("GET /api/metrics/size", a.handleSize)
	mux.HandleFunc("GET /api/metrics/errors", a.handleErrors)

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	mux.HandleFunc("GET /events", a.broker.serveSSE)
	mux.HandleFunc("GET /ws", a.broker.serveWS(a.log))

	return a.logRequests(mux)
}

func (a *apiServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("took", time.Since(start)).
			Msg("api request")
	})
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status(r.Context()))
}

func (a *apiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var so control.StartOptions
	if !decodeOptional(w, r, &so) {
		return
	}
	port, err := a.session.Start(r.Context(), so)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"port": port, "status": a.session.Status(r.Context())})
}

func (a *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Stop(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status(r.Context()))
}

func (a *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_offset", "offset must be a non-negative integer", nil)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer", nil)
		return
	}
	status, err := intParam(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_status", "status must be an integer", nil)
		return
	}
	f := capture.Filter{
		Host:   q.Get("host"),
		Path:   q.Get("path"),
		Method: q.Get("method"),
		Status: status,
	}
	writeJSON(w, http.StatusOK, a.session.List(offset, limit, f))
}

func (a *apiServer) handleClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": a.session.Clear()})
}

func (a *apiServer) handleDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := a.session.Detail(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleBody streams the full stored body: ?dir=req|resp (default resp).
func (a *apiServer) handleBody(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := a.session.Exchange(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	body, mime := e.RespBody, e.Mime
	switch r.URL.Query().Get("dir") {
	case "", "resp":
	case "req":
		body, mime = e.ReqBody, e.ReqHeaders.Get("Content-Type")
	default:
		writeError(w, http.StatusBadRequest, "bad_dir", "dir must be req or resp", nil)
		return
	}
	if body.Kind == capture.BodyAbsent {
		writeError(w, http.StatusNotFound, "no_body", "no stored body", nil)
		return
	}
	data, err := capture.ReadBody(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "body_unreadable", err.Error(), nil)
		return
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (a *apiServer) handleCurl(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dialect := r.URL.Query().Get("dialect")
	var (
		cmd string
		err error
	)
	switch dialect {
	case "", "posix":
		dialect = "posix"
		cmd, err = a.session.ToCurl(id)
	case "powershell":
		cmd, err = a.session.ToCurlPowerShell(id)
	default:
		writeError(w, http.StatusBadRequest, "bad_dialect", "dialect must be posix or powershell", nil)
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dialect": dialect, "command": cmd})
}

func (a *apiServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in struct {
		Follow bool `json:"follow"`
	}
	if !decodeOptional(w, r, &in) {
		return
	}
	if v := r.URL.Query().Get("follow"); v != "" {
		in.Follow, _ = strconv.ParseBool(v)
	}
	res, err := a.session.Replay(r.Context(), id, in.Follow)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHAR exports ?ids=1,2,3 (GET) or {"ids":[...]} (POST); none means all.
func (a *apiServer) handleHAR(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if r.Method == http.MethodPost {
		var in struct {
			IDs []int64 `json:"ids"`
		}
		if !decodeOptional(w, r, &in) {
			return
		}
		ids = in.IDs
	} else if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_id", "ids must be integers", part)
				return
			}
			ids = append(ids, id)
		}
	}
	har := a.session.ExportHAR(ids)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(time.Now())+`"`)
	writeJSON(w, http.StatusOK, har)
}

func (a *apiServer) handleSysProxy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Host string `json:"host"`
			Port int    `json:"port"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		if req.Port < 0 || req.Port > 65535 {
			writeError(w, http.StatusBadRequest, "bad_port", "port must be between 0 and 65535", nil)
			return
		}
		writeJSON(w, http.StatusOK, a.session.EnableSystemProxy(r.Context(), req.Host, req.Port))
	case http.MethodDelete:
		writeJSON(w, http.StatusOK, a.session.DisableSystemProxy(r.Context()))
	default:
		writeJSON(w, http.StatusOK, a.session.QuerySystemProxy(r.Context()))
	}
}

func (a *apiServer) handleCert(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		writeJSON(w, http.StatusOK, a.session.InstallCert(r.Context()))
	case http.MethodDelete:
		writeJSON(w, http.StatusOK, a.session.UninstallCert(r.Context()))
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"installed": a.session.IsCertInstalled(r.Context())})
	}
}

func (a *apiServer) handleCertPEM(w http.ResponseWriter, r *http.Request) {
	pem, err := a.session.CACertPEM()
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.pem"`)
	_, _ = w.Write(pem)
}

func (a *apiServer) handleLatency(w http.ResponseWriter, r *http.Request) {
	minCount, ok := minParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(a.analysis.Latency().Snapshot(minCount)))
}

func (a *apiServer) handleSize(w http.ResponseWriter, r *http.Request) {
	minCount, ok := minParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(a.analysis.Size().Snapshot(minCount)))
}

func (a *apiServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	minCount, ok := minParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(a.analysis.ErrorTransitions().Snapshot(minCount)))
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "bad_id", "id must be a positive integer", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func minParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	n, err := intParam(r.URL.Query().Get("minCount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_min_count", "minCount must be a non-negative integer", nil)
		return 0, false
	}
	return int64(n), true
}

// decodeOptional decodes a JSON body into v; an empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body", err.Error())
	return false
}
