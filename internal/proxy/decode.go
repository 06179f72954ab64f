package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Decode undoes the Content-Encoding of a captured body so the cache holds
// the plain representation.
func Decode(contentEncoding string, body []byte) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return readAll(zr, "gzip")
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		return readAll(zr, "deflate")
	case "zstd":
		zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		b, err := zr.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
	}
}

func readAll(r io.Reader, enc string) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", enc, err)
	}
	return b, nil
}

// decodable lists the encodings Decode understands, in preference order.
var decodable = []string{"gzip", "zstd", "deflate"}

// OutboundEncoding narrows a client's Accept-Encoding to the codings Decode
// can undo. An empty result means the header should be dropped, which lets
// the transport ask for gzip and decompress on its own.
func OutboundEncoding(acceptEncoding string) string {
	accepted := map[string]bool{}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || rejected(params) {
			continue
		}
		if name == "x-gzip" {
			name = "gzip"
		}
		accepted[name] = true
	}

	var out []string
	for _, enc := range decodable {
		if accepted[enc] || accepted["*"] {
			out = append(out, enc)
		}
	}
	return strings.Join(out, ", ")
}

// rejected reports whether the coding parameters carry q=0.
func rejected(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q == 0
	}
	return false
}
