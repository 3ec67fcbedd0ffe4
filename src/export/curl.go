package export

import (
	"net/http"
	"strings"

	"HTTPCaptureBox/src/capture"
)

// droppedHeaders never appear in generated commands; the client sets them.
var droppedHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

// replayHeaders filters the captured request headers down to those a client
// should send again. compressed reports whether Accept-Encoding was present.
func replayHeaders(h capture.Headers) (out capture.Headers, compressed bool) {
	for _, f := range h {
		name := strings.ToLower(f.Name)
		if droppedHeaders[name] || strings.HasPrefix(name, ":") {
			continue
		}
		if name == "accept-encoding" {
			compressed = true
			continue
		}
		out = append(out, f)
	}
	return out, compressed
}

// requestBody returns the inline body ready to send, or the spill path.
func requestBody(b capture.Body) (text, file string) {
	switch b.Kind {
	case capture.BodyInline:
		if b.JSONFormatted {
			return string(capture.CompactJSON(b.Text)), ""
		}
		return b.Text, ""
	case capture.BodyFile:
		return "", b.File
	}
	return "", ""
}

// shQuote wraps s in single quotes for POSIX shells.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote wraps s in single quotes for PowerShell.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Curl renders e as a POSIX curl command with one option per line.
func Curl(e capture.Exchange) string {
	headers, compressed := replayHeaders(e.ReqHeaders)
	text, file := requestBody(e.ReqBody)

	parts := []string{"curl " + shQuote(e.URL())}
	switch {
	case e.Method == http.MethodHead:
		// -X HEAD would wait for a body that never arrives
		parts = append(parts, "-I")
	case e.Method != "GET" || text != "" || file != "":
		parts = append(parts, "-X "+shQuote(e.Method))
	}
	for _, f := range headers {
		parts = append(parts, "-H "+shQuote(f.Name+": "+f.Value))
	}
	switch {
	case text != "":
		parts = append(parts, "--data-raw "+shQuote(text))
	case file != "":
		parts = append(parts, "--data-binary "+shQuote("@"+file))
	}
	if compressed {
		parts = append(parts, "--compressed")
	}
	return strings.Join(parts, " \\\n  ")
}

// CurlPowerShell renders e as an Invoke-WebRequest call. Content-Type and
// User-Agent go to their dedicated parameters since -Headers rejects them.
func CurlPowerShell(e capture.Exchange) string {
	headers, _ := replayHeaders(e.ReqHeaders)
	text, file := requestBody(e.ReqBody)

	var contentType, userAgent string
	var names []string
	values := map[string][]string{}
	for _, f := range headers {
		switch strings.ToLower(f.Name) {
		case "content-type":
			contentType = f.Value
			continue
		case "user-agent":
			userAgent = f.Value
			continue
		}
		if _, ok := values[f.Name]; !ok {
			names = append(names, f.Name)
		}
		values[f.Name] = append(values[f.Name], f.Value)
	}

	parts := []string{
		"Invoke-WebRequest -UseBasicParsing -Uri " + psQuote(e.URL()),
		"-Method " + psQuote(e.Method),
	}
	if len(names) > 0 {
		pairs := make([]string, 0, len(names))
		for _, n := range names {
			pairs = append(pairs, psQuote(n)+" = "+psQuote(strings.Join(values[n], ", ")))
		}
		parts = append(parts, "-Headers @{ "+strings.Join(pairs, "; ")+" }")
	}
	if contentType != "" {
		parts = append(parts, "-ContentType "+psQuote(contentType))
	}
	if userAgent != "" {
		parts = append(parts, "-UserAgent "+psQuote(userAgent))
	}
	switch {
	case text != "":
		parts = append(parts, "-Body "+psQuote(text))
	case file != "":
		parts = append(parts, "-InFile "+psQuote(file))
	}
	return strings.Join(parts, " `\n  ")
}
