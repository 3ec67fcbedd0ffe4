package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxDecodedSize caps decompression output.
const maxDecodedSize = 256 << 20

var errDecodedTooLarge = errors.New("decoded body exceeds limit")

// DecodeContent undoes a Content-Encoding value. Multiple codings are applied
// by the server left to right, so they are removed right to left.
func DecodeContent(data []byte, encoding string) ([]byte, error) {
	codings := strings.Split(encoding, ",")
	out := data
	for i := len(codings) - 1; i >= 0; i-- {
		c := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch c {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			out, err = gunzip(out)
		case "deflate":
			out, err = inflate(out)
		case "br":
			out, err = readAllLimited(brotli.NewReader(bytes.NewReader(out)))
		default:
			return nil, fmt.Errorf("unsupported content-encoding %q", c)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", c, err)
		}
	}
	return out, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readAllLimited(zr)
}

// inflate accepts zlib-wrapped deflate first and falls back to raw deflate,
// since servers send both under "deflate".
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		out, rerr := readAllLimited(zr)
		zr.Close()
		if rerr == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return readAllLimited(fr)
}

func readAllLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, errDecodedTooLarge
	}
	return out, nil
}
