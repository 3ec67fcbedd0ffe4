package capture

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// sniffLen bounds the NUL scan used when no content type is known.
const sniffLen = 2000

// isTextual reports whether a body should be kept as text. A known mime type
// decides alone; without one the first sniffLen bytes must be free of NUL.
func isTextual(mime string, data []byte) bool {
	if m := strings.ToLower(mime); m != "" {
		return strings.HasPrefix(m, "text/") ||
			strings.Contains(m, "json") ||
			strings.Contains(m, "xml") ||
			strings.Contains(m, "x-www-form-urlencoded") ||
			strings.Contains(m, "javascript")
	}
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return bytes.IndexByte(head, 0) < 0
}

func isJSONMime(mime string) bool {
	return strings.Contains(strings.ToLower(mime), "json")
}

// prettyJSON re-indents a JSON document with two spaces. Key order and number
// spelling are preserved.
func prettyJSON(data []byte) (string, bool) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

// CompactJSON undoes prettyJSON for replay; non-JSON input comes back unchanged.
func CompactJSON(text string) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return []byte(text)
	}
	return buf.Bytes()
}

func toText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}
