// Command upstream is a throwaway JSON backend for trying mockproxy out
// locally. It echoes requests and can be told to fail, stall, stream or
// gzip its answers.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/cobra"

	"github.com/3xpluto/mockproxy/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		name     string
		compress bool
	)
	cmd := &cobra.Command{
		Use:          "upstream",
		Short:        "Echo backend for local mockproxy testing",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New(logging.Options{})
			h := newHandler(name)
			if compress {
				h = gzhttp.GzipHandler(h)
			}
			srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
			log.Info("upstream listening", slog.String("addr", addr), slog.Bool("gzip", compress))
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&name, "name", "upstream", "service name reported in responses")
	cmd.Flags().BoolVar(&compress, "gzip", false, "gzip responses for clients that accept it")
	return cmd
}

// newHandler serves:
//
//	/status/{code}   respond with that status
//	/slow?ms=N       wait N milliseconds first
//	/stream?n=N      N newline-delimited JSON chunks, flushed one by one
//	anything else    echo the request as JSON
func newHandler(name string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad status", http.StatusBadRequest)
			return
		}
		writeJSON(w, code, map[string]any{"service": name, "status": code})
	})

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": name, "waited_ms": ms})
	})

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n <= 0 {
			n = 5
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		rc := http.NewResponseController(w)
		enc := json.NewEncoder(w)
		for i := 0; i < n; i++ {
			_ = enc.Encode(map[string]any{"service": name, "chunk": i})
			_ = rc.Flush()
			select {
			case <-time.After(200 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
