package cache

import (
	"mime"
	"sort"
	"strings"
)

// Explicit tables keep the mapping independent of the host's mime database.
var extByType = map[string]string{
	"application/json":         "json",
	"text/json":                "json",
	"text/html":                "html",
	"text/plain":               "txt",
	"text/css":                 "css",
	"text/csv":                 "csv",
	"text/javascript":          "js",
	"application/javascript":   "js",
	"application/xml":          "xml",
	"text/xml":                 "xml",
	"application/pdf":          "pdf",
	"application/wasm":         "wasm",
	"application/octet-stream": "bin",
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"image/x-icon":             "ico",
	"font/woff":                "woff",
	"font/woff2":               "woff2",
}

var typeByExt = map[string]string{
	".json":  "application/json",
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".xml":   "application/xml",
	".pdf":   "application/pdf",
	".wasm":  "application/wasm",
	".bin":   "application/octet-stream",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// ExtForType returns the file extension (without dot) used for a response
// declared with contentType.
func ExtForType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "" {
		return "bin"
	}
	if ext, ok := extByType[mt]; ok {
		return ext
	}
	switch {
	case strings.HasSuffix(mt, "+json"):
		return "json"
	case strings.HasSuffix(mt, "+xml"):
		return "xml"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		sort.Strings(exts)
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

// TypeForExt is the inverse of ExtForType; ext includes the leading dot.
func TypeForExt(ext string) string {
	ext = strings.ToLower(ext)
	if ct, ok := typeByExt[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
