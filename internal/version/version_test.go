package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPrefersLinkerValue(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.3"
	assert.Equal(t, "v1.2.3", Get())

	Version = ""
	assert.NotEmpty(t, Get())
}
