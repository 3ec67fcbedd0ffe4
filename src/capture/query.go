package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
	// PreviewChars bounds body text returned by Detail.
	PreviewChars = 1 << 20
)

// ErrNotFound is returned for ids that are not (or no longer) retained.
var ErrNotFound = errors.New("exchange not found")

// Filter narrows List. Host and Path are case-insensitive substrings, Method
// is an exact case-insensitive match and Status an exact code; zero values
// are ignored.
type Filter struct {
	Host   string
	Path   string
	Method string
	Status int
}

func (f Filter) match(e *Exchange) bool {
	if f.Host != "" && !containsFold(e.Host, f.Host) {
		return false
	}
	if f.Path != "" && !containsFold(e.Path, f.Path) {
		return false
	}
	if f.Method != "" && !strings.EqualFold(e.Method, f.Method) {
		return false
	}
	if f.Status != 0 && e.Status != f.Status {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Page is one List result. Total counts all retained records, Matched those
// passing the filter.
type Page struct {
	Items   []Summary `json:"items"`
	Total   int       `json:"total"`
	Matched int       `json:"matched"`
	Offset  int       `json:"offset"`
	Limit   int       `json:"limit"`
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// List returns summaries newest first.
func (r *Recorder) List(offset, limit int, f Filter) Page {
	if offset < 0 {
		offset = 0
	}
	limit = ClampLimit(limit)
	page := Page{Items: []Summary{}, Offset: offset, Limit: limit}
	r.store.newestFirst(func(e *Exchange) bool {
		page.Total++
		if !f.match(e) {
			return true
		}
		if page.Matched >= offset && len(page.Items) < limit {
			page.Items = append(page.Items, e.Summarize())
		}
		page.Matched++
		return true
	})
	return page
}

// Get returns a copy of one record.
func (r *Recorder) Get(id int64) (Exchange, error) {
	e, ok := r.store.get(id)
	if !ok {
		return Exchange{}, ErrNotFound
	}
	return e, nil
}

// Exchanges returns the requested records in the given order, skipping ids
// that are gone. With no ids it returns every record oldest first.
func (r *Recorder) Exchanges(ids []int64) []Exchange {
	if len(ids) == 0 {
		return r.store.list()
	}
	out := make([]Exchange, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.store.get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// BodyView is a body as shown by Detail: inline text capped at PreviewChars,
// or a descriptor of the spill file.
type BodyView struct {
	Kind          BodyKind `json:"kind"`
	Text          string   `json:"text,omitempty"`
	Preview       bool     `json:"preview,omitempty"`
	File          string   `json:"file,omitempty"`
	Size          int64    `json:"size"`

	// Note describes a spilled body in place of its bytes.
	Note          string `json:"note,omitempty"`
	JSONFormatted bool   `json:"jsonFormatted,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// Detail is the full view of one exchange.
type Detail struct {
	Summary
	URL         string   `json:"url"`
	TsEnd       string   `json:"tsEnd,omitempty"`
	RespRawSize int64    `json:"respRawSize"`
	ReqHeaders  Headers  `json:"reqHeaders"`
	RespHeaders Headers  `json:"respHeaders"`
	ReqBody     BodyView `json:"reqBody"`
	RespBody    BodyView `json:"respBody"`
	Error       string   `json:"error,omitempty"`
	BodiesReady bool     `json:"bodiesReady"`
}

// Detail returns headers and body previews for id.
func (r *Recorder) Detail(id int64) (Detail, error) {
	e, err := r.Get(id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{
		Summary:     e.Summarize(),
		URL:         e.URL(),
		RespRawSize: e.RespRawSize,
		ReqHeaders:  e.ReqHeaders,
		RespHeaders: e.RespHeaders,
		ReqBody:     viewOf(e.ReqBody),
		RespBody:    viewOf(e.RespBody),
		Error:       e.Error,
		BodiesReady: e.BodiesReady,
	}
	if !e.TsEnd.IsZero() {
		d.TsEnd = e.TsEnd.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return d, nil
}

func viewOf(b Body) BodyView {
	v := BodyView{
		Kind:          b.Kind,
		File:          b.File,
		Size:          b.Size,
		JSONFormatted: b.JSONFormatted,
		Truncated:     b.Truncated,
	}
	if v.Kind == "" {
		v.Kind = BodyAbsent
	}
	switch b.Kind {
	case BodyInline:
		v.Text, v.Preview = previewText(b.Text, PreviewChars)
	case BodyFile:
		v.Note = fmt.Sprintf("%d bytes stored in %s", b.Size, filepath.Base(b.File))
	}
	return v
}

// previewText cuts s to at most n characters.
func previewText(s string, n int) (string, bool) {
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

// ReadBody returns the full stored bytes of a body, reading spill files from disk.
func ReadBody(b Body) ([]byte, error) {
	switch b.Kind {
	case BodyInline:
		if b.JSONFormatted {
			return CompactJSON(b.Text), nil
		}
		return []byte(b.Text), nil
	case BodyFile:
		f, err := os.Open(b.File)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return nil, nil
}
