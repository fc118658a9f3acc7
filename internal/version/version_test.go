package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "1.2.3"

	assert.Equal(t, "1.2.3", GetVersion())
	assert.True(t, strings.HasPrefix(String(), "orban-agent 1.2.3 (commit "))
}
