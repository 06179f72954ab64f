package httpx

import (
	"bytes"
	"net/http"
)

// CaptureWriter forwards a response to the client unchanged and keeps a copy
// of the body. Once more than Limit bytes have been written the copy is
// dropped and Truncated reports true; the client stream is never affected.
type CaptureWriter struct {
	http.ResponseWriter
	Limit int64

	status    int
	buf       bytes.Buffer
	truncated bool
}

func NewCaptureWriter(w http.ResponseWriter, limit int64) *CaptureWriter {
	return &CaptureWriter{ResponseWriter: w, Limit: limit}
}

func (w *CaptureWriter) WriteHeader(code int) {
	// 1xx responses are informational; the final status comes later.
	if w.status == 0 && code >= 200 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *CaptureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.capture(p[:n])
	return n, err
}

func (w *CaptureWriter) capture(p []byte) {
	if w.truncated {
		return
	}
	if w.Limit > 0 && int64(w.buf.Len()+len(p)) > w.Limit {
		w.truncated = true
		w.buf = bytes.Buffer{}
		return
	}
	w.buf.Write(p)
}

func (w *CaptureWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *CaptureWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Status is the final status sent to the client, 0 if nothing was written.
func (w *CaptureWriter) Status() int { return w.status }

func (w *CaptureWriter) Truncated() bool { return w.truncated }

// Body is the captured copy. It must not be used after further writes.
func (w *CaptureWriter) Body() []byte { return w.buf.Bytes() }
