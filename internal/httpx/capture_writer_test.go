package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureWriterTeesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewCaptureWriter(rec, 0)

	cw.Header().Set("Content-Type", "application/json")
	cw.WriteHeader(http.StatusCreated)
	_, err := cw.Write([]byte(`{"id":`))
	require.NoError(t, err)
	_, err = cw.Write([]byte(`1}`))
	require.NoError(t, err)
	cw.Flush()

	assert.Equal(t, http.StatusCreated, cw.Status())
	assert.Equal(t, `{"id":1}`, string(cw.Body()))
	assert.False(t, cw.Truncated())

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":1}`, rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestCaptureWriterImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewCaptureWriter(rec, 0)

	_, _ = cw.Write([]byte("x"))
	assert.Equal(t, http.StatusOK, cw.Status())
}

func TestCaptureWriterIgnoresInformationalStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewCaptureWriter(rec, 0)

	cw.WriteHeader(http.StatusEarlyHints)
	cw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusOK, cw.Status())
}

func TestCaptureWriterLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewCaptureWriter(rec, 4)

	_, _ = cw.Write([]byte("abc"))
	assert.False(t, cw.Truncated())
	_, _ = cw.Write([]byte("def"))
	assert.True(t, cw.Truncated())
	assert.Empty(t, cw.Body())
	_, _ = cw.Write([]byte("g"))
	assert.Empty(t, cw.Body())

	assert.Equal(t, "abcdefg", rec.Body.String(), "client stream is never cut")
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}

	sw.WriteHeader(http.StatusNotFound)
	n, err := sw.Write([]byte("nope"))
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	assert.Equal(t, http.StatusNotFound, sw.Status)
	assert.Equal(t, 4, sw.Bytes)
	assert.Equal(t, rec, sw.Unwrap())
}
