// Package capture records proxied HTTP exchanges into a bounded ring and
// stores their bodies inline or in spill files.
package capture

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// State tracks where an exchange is in its lifecycle.
type State string

const (
	StateOpen      State = "open"      // request seen, response not finished
	StateComplete  State = "complete"  // response body fully observed
	StateError     State = "error"     // engine reported a failure
	StateTruncated State = "truncated" // session stopped before the exchange ended
)

// BodyKind says where a body lives.
type BodyKind string

const (
	BodyAbsent BodyKind = "absent"
	BodyInline BodyKind = "inline"
	BodyFile   BodyKind = "file"
)

// Body is the stored form of one request or response body. Inline bodies
// carry UTF-8 Text (JSON possibly re-indented); file bodies carry the spill
// path. Size is the decoded length; Truncated is set when the in-memory
// capture limit was hit.
type Body struct {
	Kind          BodyKind `json:"kind"`
	Text          string   `json:"text,omitempty"`
	File          string   `json:"file,omitempty"`
	Size          int64    `json:"size"`
	JSONFormatted bool     `json:"jsonFormatted,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
}

// HeaderField is one name/value pair; repeated headers produce repeated fields.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list. Order is canonical-name order since the
// engine hands us net/http maps.
type Headers []HeaderField

// HeadersFrom deep-copies h into an ordered list.
func HeadersFrom(h http.Header) Headers {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make(Headers, 0, len(h))
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, HeaderField{Name: k, Value: v})
		}
	}
	return out
}

// Get returns the first value for name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// HTTP converts back to a net/http header map.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// Exchange is one captured request/response pair.
type Exchange struct {
	ID      int64     `json:"id"`
	TsStart time.Time `json:"tsStart"`
	TsEnd   time.Time `json:"tsEnd"`
	Method  string    `json:"method"`
	Scheme  string    `json:"scheme"`
	Host    string    `json:"host"`
	Path    string    `json:"path"` // includes the query string
	Status  int       `json:"status"`
	Mime    string    `json:"mime"`

	ReqSize     int64 `json:"reqSize"`
	RespSize    int64 `json:"respSize"`
	RespRawSize int64 `json:"respRawSize"`

	ReqHeaders  Headers `json:"reqHeaders"`
	RespHeaders Headers `json:"respHeaders"`
	ReqBody     Body    `json:"reqBody"`
	RespBody    Body    `json:"respBody"`

	State       State  `json:"state"`
	Error       string `json:"error,omitempty"`
	BodiesReady bool   `json:"bodiesReady"` // set once the finalizer has run
}

// Duration is tsEnd - tsStart, never negative, zero while open.
func (e *Exchange) Duration() time.Duration {
	if e.TsEnd.IsZero() || e.TsEnd.Before(e.TsStart) {
		return 0
	}
	return e.TsEnd.Sub(e.TsStart)
}

// URL rebuilds scheme://host/path.
func (e *Exchange) URL() string {
	p := e.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return e.Scheme + "://" + e.Host + p
}

// Summary is the lightweight projection used by listings.
type Summary struct {
	ID         int64     `json:"id"`
	TsStart    time.Time `json:"tsStart"`
	DurationMs int64     `json:"durationMs"`
	Method     string    `json:"method"`
	Scheme     string    `json:"scheme"`
	Host       string    `json:"host"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	Mime       string    `json:"mime"`
	ReqSize    int64     `json:"reqSize"`
	RespSize   int64     `json:"respSize"`
	State      State     `json:"state"`
}

// Summarize projects e without bodies or headers.
func (e *Exchange) Summarize() Summary {
	return Summary{
		ID:         e.ID,
		TsStart:    e.TsStart,
		DurationMs: e.Duration().Milliseconds(),
		Method:     e.Method,
		Scheme:     e.Scheme,
		Host:       e.Host,
		Path:       e.Path,
		Status:     e.Status,
		Mime:       e.Mime,
		ReqSize:    e.ReqSize,
		RespSize:   e.RespSize,
		State:      e.State,
	}
}

// mimeOf returns the media type of a content-type value: the part before ';',
// trimmed and lower-cased.
func mimeOf(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
