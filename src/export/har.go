// Package export turns captured exchanges into HAR documents and shell
// commands, and re-issues them live.
package export

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"HTTPCaptureBox/src/capture"
)

// HAR is an HTTP Archive 1.2 document.
type HAR struct {
	Log HARLog `json:"log"`
}

type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
}

type HARNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HARCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

type HARPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type HARRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Cookies     []HARCookie    `json:"cookies"`
	Headers     []HARNameValue `json:"headers"`
	QueryString []HARNameValue `json:"queryString"`
	PostData    *HARPostData   `json:"postData,omitempty"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int64          `json:"bodySize"`
}

type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

type HARResponse struct {
	Status      int            `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Cookies     []HARCookie    `json:"cookies"`
	Headers     []HARNameValue `json:"headers"`
	Content     HARContent     `json:"content"`
	RedirectURL string         `json:"redirectURL"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int64          `json:"bodySize"`
}

// HARTimings uses -1 for phases that were not measured.
type HARTimings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

// BuildHAR maps exchanges, in the order given, to a HAR document. Only inline
// bodies are embedded; spilled bodies keep their size.
func BuildHAR(exchanges []capture.Exchange, creator, version string) HAR {
	entries := make([]HAREntry, 0, len(exchanges))
	for i := range exchanges {
		entries = append(entries, harEntry(&exchanges[i]))
	}
	return HAR{Log: HARLog{
		Version: "1.2",
		Creator: HARCreator{Name: creator, Version: version},
		Entries: entries,
	}}
}

func harEntry(e *capture.Exchange) HAREntry {
	ms := float64(e.Duration().Microseconds()) / 1000
	entry := HAREntry{
		StartedDateTime: e.TsStart.UTC().Format(time.RFC3339Nano),
		Time:            ms,
		Request:         harRequest(e),
		Response:        harResponse(e),
		Timings:         HARTimings{Blocked: -1, DNS: -1, Connect: -1, Wait: ms, SSL: -1},
	}
	if e.State != capture.StateComplete {
		entry.Comment = string(e.State)
		if e.Error != "" {
			entry.Comment += ": " + e.Error
		}
	}
	return entry
}

func harRequest(e *capture.Exchange) HARRequest {
	hdr := e.ReqHeaders.HTTP()
	req := HARRequest{
		Method:      e.Method,
		URL:         e.URL(),
		HTTPVersion: "HTTP/1.1",
		Cookies:     []HARCookie{},
		Headers:     nameValues(e.ReqHeaders),
		QueryString: []HARNameValue{},
		HeadersSize: -1,
		BodySize:    e.ReqSize,
	}
	for _, c := range (&http.Request{Header: hdr}).Cookies() {
		req.Cookies = append(req.Cookies, HARCookie{Name: c.Name, Value: c.Value})
	}
	if u, err := url.Parse(req.URL); err == nil {
		req.QueryString = queryPairs(u.RawQuery)
	}
	if e.ReqBody.Kind == capture.BodyInline {
		req.PostData = &HARPostData{MimeType: hdr.Get("Content-Type"), Text: e.ReqBody.Text}
	}
	return req
}

func harResponse(e *capture.Exchange) HARResponse {
	hdr := e.RespHeaders.HTTP()
	resp := HARResponse{
		Status:      e.Status,
		StatusText:  http.StatusText(e.Status),
		HTTPVersion: "HTTP/1.1",
		Cookies:     []HARCookie{},
		Headers:     nameValues(e.RespHeaders),
		Content:     HARContent{Size: e.RespSize, MimeType: hdr.Get("Content-Type")},
		RedirectURL: hdr.Get("Location"),
		HeadersSize: -1,
		BodySize:    e.RespRawSize,
	}
	if resp.Content.MimeType == "" {
		resp.Content.MimeType = e.Mime
	}
	if e.Status == 0 {
		resp.BodySize = -1
	}
	for _, c := range (&http.Response{Header: hdr}).Cookies() {
		resp.Cookies = append(resp.Cookies, HARCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}
	if e.RespBody.Kind == capture.BodyInline {
		resp.Content.Text = e.RespBody.Text
	}
	return resp
}

// queryPairs splits a raw query keeping parameter order.
func queryPairs(raw string) []HARNameValue {
	out := []HARNameValue{}
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		out = append(out, HARNameValue{Name: k, Value: v})
	}
	return out
}

func nameValues(h capture.Headers) []HARNameValue {
	out := make([]HARNameValue, 0, len(h))
	for _, f := range h {
		out = append(out, HARNameValue{Name: f.Name, Value: f.Value})
	}
	return out
}

// Filename suggests a download name for a HAR export.
func Filename(now time.Time) string {
	return "capture-" + strconv.FormatInt(now.Unix(), 10) + ".har"
}
