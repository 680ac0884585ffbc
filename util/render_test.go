package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderString(t *testing.T) {
	out := RenderString("docker run -d {{ image }} {{ args }}", map[string]interface{}{
		"image": "game:stable",
		"args":  "--port 27015",
	})
	assert.Equal(t, "docker run -d game:stable --port 27015", out)
}

func TestRenderStringRepeatedKey(t *testing.T) {
	out := RenderString("{{ name }} and {{ name }}", map[string]interface{}{
		"name": "x",
	})
	assert.Equal(t, "x and x", out)
}

func TestRenderStringUnknownKeyLeftIntact(t *testing.T) {
	out := RenderString("keep {{ missing }}", map[string]interface{}{
		"other": "y",
	})
	assert.Equal(t, "keep {{ missing }}", out)
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(4)
	require.NoError(t, err)
	b, err := RandomHex(4)
	require.NoError(t, err)

	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
