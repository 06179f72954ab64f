package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtForType(t *testing.T) {
	cases := map[string]string{
		"application/json":                "json",
		"application/json; charset=utf-8": "json",
		"application/problem+json":        "json",
		"application/atom+xml":            "xml",
		"text/html; charset=UTF-8":        "html",
		"text/plain":                      "txt",
		"image/png":                       "png",
		"":                                "bin",
		"not a media type;;":              "bin",
	}
	for ct, want := range cases {
		assert.Equal(t, want, ExtForType(ct), ct)
	}
}

func TestTypeForExt(t *testing.T) {
	assert.Equal(t, "application/json", TypeForExt(".json"))
	assert.Equal(t, "application/json", TypeForExt(".JSON"))
	assert.Equal(t, "text/plain; charset=utf-8", TypeForExt(".txt"))
	assert.Equal(t, "application/octet-stream", TypeForExt(""))
	assert.Equal(t, "application/octet-stream", TypeForExt(".definitely-unknown"))
}
