package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenLookupFile(t *testing.T) {
	s := New(t.TempDir())

	file, err := s.Put("GET", "/api/data.json", 200, "application/json", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "GET", "api", "data.json"), file)

	e, err := s.Lookup("GET", "/api/data.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(e.Body))
	assert.Equal(t, "application/json", e.ContentType)
}

func TestPutDirectoryShapedURLUsesIndex(t *testing.T) {
	s := New(t.TempDir())

	file, err := s.Put("GET", "/api/users", 200, "application/json; charset=utf-8", []byte(`[]`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "GET", "api", "users", "index.json"), file)

	for _, u := range []string{"/api/users", "/api/users/", "//api//users"} {
		e, err := s.Lookup("GET", u)
		require.NoError(t, err, u)
		assert.Equal(t, "[]", string(e.Body))
		assert.Equal(t, "application/json", e.ContentType)
	}
}

func TestPutReplacesIndexOfOtherType(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Put("GET", "/report", 200, "text/html", []byte("<old/>"))
	require.NoError(t, err)
	file, err := s.Put("GET", "/report", 200, "application/json", []byte(`{"new":true}`))
	require.NoError(t, err)

	e, err := s.Lookup("GET", "/report")
	require.NoError(t, err)
	assert.Equal(t, file, e.File)
	assert.Equal(t, "application/json", e.ContentType)
	assert.Equal(t, `{"new":true}`, string(e.Body))

	_, err = os.Stat(filepath.Join(s.Root(), "GET", "report", "index.html"))
	assert.True(t, os.IsNotExist(err), "the previous index must be removed")
}

func TestPutKeepsChildEntries(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Put("GET", "/api/users/42", 200, "application/json", []byte(`{"id":42}`))
	require.NoError(t, err)
	_, err = s.Put("GET", "/api/users", 200, "application/json", []byte(`[]`))
	require.NoError(t, err)

	e, err := s.Lookup("GET", "/api/users/42")
	require.NoError(t, err)
	assert.Equal(t, `{"id":42}`, string(e.Body))
}

func TestPutRootURL(t *testing.T) {
	s := New(t.TempDir())

	file, err := s.Put("GET", "/", 200, "text/html", []byte("<h1>hi</h1>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "GET", "index.html"), file)

	e, err := s.Lookup("GET", "/")
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", e.ContentType)
}

func TestPutOnlyStoresOK(t *testing.T) {
	s := New(t.TempDir())

	for _, status := range []int{201, 204, 301, 404, 500} {
		file, err := s.Put("GET", "/missing", status, "application/json", []byte(`{}`))
		require.NoError(t, err)
		assert.Empty(t, file)
	}

	_, err := s.Lookup("GET", "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(filepath.Join(s.Root(), "GET"))
	assert.True(t, os.IsNotExist(err), "no directories may be created for non-200 responses")
}

func TestMethodsAreSeparate(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("POST", "/orders", 200, "application/json", []byte(`{"created":true}`))
	require.NoError(t, err)

	_, err = s.Lookup("GET", "/orders")
	assert.ErrorIs(t, err, ErrNotFound)

	e, err := s.Lookup("POST", "/orders")
	require.NoError(t, err)
	assert.Equal(t, `{"created":true}`, string(e.Body))
}

func TestPutOverwrites(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("GET", "/a", 200, "text/plain", []byte("one"))
	require.NoError(t, err)
	_, err = s.Put("GET", "/a", 200, "text/plain", []byte("two"))
	require.NoError(t, err)

	e, err := s.Lookup("GET", "/a")
	require.NoError(t, err)
	assert.Equal(t, "two", string(e.Body))
}

func TestLookupPicksFirstIndexDeterministically(t *testing.T) {
	s := New(t.TempDir())
	dir := filepath.Join(s.Root(), "GET", "things")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.xml"), []byte("<x/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p/>"), 0o644))

	for i := 0; i < 5; i++ {
		e, err := s.Lookup("GET", "/things/")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "index.html"), e.File)
	}
}

func TestLookupDirectoryWithoutIndexIsMiss(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("GET", "/a/b/c.json", 200, "application/json", []byte("{}"))
	require.NoError(t, err)

	_, err = s.Lookup("GET", "/a/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidPaths(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Lookup("GET", "/../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.Put("../GET", "/x", 200, "text/plain", nil)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.Lookup("", "/x")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPutWriteFailureIsReported(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("GET", "/a/b.json", 200, "application/json", []byte("{}"))
	require.NoError(t, err)

	// b.json is a file, so nothing can live below it
	_, err = s.Put("GET", "/a/b.json/c", 200, "application/json", []byte("{}"))
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s := New(t.TempDir())

	items, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, items, "missing root is an empty cache")

	_, err = s.Put("GET", "/", 200, "text/html", []byte("x"))
	require.NoError(t, err)
	_, err = s.Put("GET", "/api/users", 200, "application/json", []byte("[]"))
	require.NoError(t, err)
	_, err = s.Put("DELETE", "/api/users/1.json", 200, "application/json", []byte("{}"))
	require.NoError(t, err)

	items, err = s.List()
	require.NoError(t, err)

	got := map[string]string{}
	for _, it := range items {
		got[it.Method+" "+it.URL] = filepath.Base(it.File)
	}
	assert.Equal(t, map[string]string{
		"GET /":                    "index.html",
		"GET /api/users/":          "index.json",
		"DELETE /api/users/1.json": "1.json",
	}, got)
}
