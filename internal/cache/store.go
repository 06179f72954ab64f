// Package cache is the on-disk record of captured upstream responses.
//
// An entry for (METHOD, /a/b/c.json) lives at <root>/METHOD/a/b/c.json. URLs
// without an extension, or ending in a slash, are directory-shaped: their body
// is stored as <root>/METHOD/a/b/index.<ext>, where <ext> comes from the
// response content type.
package cache

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3xpluto/mockproxy/internal/fsx"
)

var (
	// ErrNotFound is returned by Lookup on a miss.
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPath is returned for methods or paths that cannot be mapped
	// safely below the cache root.
	ErrInvalidPath = errors.New("invalid cache path")
)

const indexName = "index"

type Entry struct {
	File        string
	ContentType string
	Body        []byte
}

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// Lookup returns the stored body for method and urlPath together with a
// content type inferred from the file extension.
func (s *Store) Lookup(method, urlPath string) (*Entry, error) {
	p, err := s.location(method, urlPath)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if fi.IsDir() {
		idx, err := findIndex(p)
		if err != nil {
			return nil, err
		}
		p = idx
	}

	body, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Entry{
		File:        p,
		ContentType: TypeForExt(filepath.Ext(p)),
		Body:        body,
	}, nil
}

// Put stores body for method and urlPath. Only 200 responses are kept; any
// other status is a no-op and returns an empty file name. Existing entries
// are overwritten in full.
func (s *Store) Put(method, urlPath string, status int, contentType string, body []byte) (string, error) {
	if status != http.StatusOK {
		return "", nil
	}
	p, err := s.location(method, urlPath)
	if err != nil {
		return "", err
	}
	dirShaped := directoryShaped(urlPath)
	if dirShaped {
		p = filepath.Join(p, indexName+"."+ExtForType(contentType))
	}
	if err := fsx.WriteFileAtomic(p, body, 0o644); err != nil {
		return "", err
	}
	if dirShaped {
		if err := removeOtherIndexes(filepath.Dir(p), filepath.Base(p)); err != nil {
			return p, err
		}
	}
	return p, nil
}

// removeOtherIndexes deletes every index.* in dir except keep, so a put with
// a new content type replaces the entry instead of sitting behind the old one.
func removeOtherIndexes(dir, keep string) error {
	matches, err := doublestar.Glob(os.DirFS(dir), indexName+".*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, m)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// location maps a request onto the filesystem without any index resolution.
func (s *Store) location(method, urlPath string) (string, error) {
	if !validMethod(method) {
		return "", ErrInvalidPath
	}
	parts := []string{s.root, method}
	for _, seg := range strings.Split(urlPath, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ErrInvalidPath
		}
		if strings.ContainsAny(seg, "\\\x00") {
			return "", ErrInvalidPath
		}
		parts = append(parts, seg)
	}
	return filepath.Join(parts...), nil
}

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for _, r := range m {
		if (r < 'A' || r > 'Z') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

func directoryShaped(urlPath string) bool {
	if urlPath == "" || strings.HasSuffix(urlPath, "/") {
		return true
	}
	return path.Ext(path.Base(urlPath)) == ""
}

// findIndex picks the lexicographically first regular file named index.*
// in dir, so the choice does not depend on directory enumeration order.
func findIndex(dir string) (string, error) {
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, indexName+".*")
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, m := range matches {
		fi, err := fs.Stat(fsys, m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		return filepath.Join(dir, m), nil
	}
	return "", ErrNotFound
}

// Item describes one stored entry.
type Item struct {
	Method  string    `json:"method"`
	URL     string    `json:"url"`
	File    string    `json:"file"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// List walks the cache root. A missing root is an empty cache.
func (s *Store) List() ([]Item, error) {
	var out []Item
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		segs := strings.Split(filepath.ToSlash(rel), "/")
		if len(segs) < 2 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		urlSegs := segs[1:]
		u := "/" + strings.Join(urlSegs, "/")
		if strings.HasPrefix(d.Name(), indexName+".") {
			u = "/" + strings.Join(urlSegs[:len(urlSegs)-1], "/")
			if !strings.HasSuffix(u, "/") {
				u += "/"
			}
		}
		out = append(out, Item{
			Method:  segs[0],
			URL:     u,
			File:    p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
