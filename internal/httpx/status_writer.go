package httpx

import "net/http"

// StatusWriter records the status code and byte count of a response.
type StatusWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int
}

func (w *StatusWriter) WriteHeader(code int) {
	if w.Status == 0 {
		w.Status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Write(p []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.Bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach Flush and friends.
func (w *StatusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
