package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowestScoredChild(t *testing.T) {
	children := []ChildProvider{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 3},
	}
	// a: 2x1=2, b: 1x3=3
	assert.Equal(t, "a", lowestScoredChild(children, map[string]int{"a": 2, "b": 1}))
	// b: 0x3=0 beats a: 1x1=1
	assert.Equal(t, "b", lowestScoredChild(children, map[string]int{"a": 1, "b": 0}))
}

func TestLowestScoredChildTieGoesToFirstListed(t *testing.T) {
	children := []ChildProvider{
		{ID: "a", Weight: 2},
		{ID: "b", Weight: 1},
	}
	// a: 1x2=2, b: 2x1=2
	assert.Equal(t, "a", lowestScoredChild(children, map[string]int{"a": 1, "b": 2}))
}

func TestAtCapacity(t *testing.T) {
	unlimited := &Provider{Limit: -1}
	assert.False(t, unlimited.AtCapacity(10000))

	limited := &Provider{Limit: 2}
	assert.False(t, limited.AtCapacity(1))
	assert.True(t, limited.AtCapacity(2))
	assert.True(t, limited.AtCapacity(3))
}

func TestMetadataMerged(t *testing.T) {
	base := Metadata{
		Image:   "game:stable",
		NodeIP:  "203.0.113.7",
		PortMin: 27000,
		PortMax: 27100,
	}

	merged, err := base.merged(map[string]interface{}{
		"image":   "game:beta",
		"portMin": 28000,
	})
	require.NoError(t, err)

	assert.Equal(t, "game:beta", merged.Image)
	assert.Equal(t, 28000, merged.PortMin)
	// untouched fields survive the merge
	assert.Equal(t, "203.0.113.7", merged.NodeIP)
	assert.Equal(t, 27100, merged.PortMax)
	// the receiver is not mutated
	assert.Equal(t, "game:stable", base.Image)
}

func TestMetadataMergedEmptyOverrides(t *testing.T) {
	base := Metadata{Image: "game:stable"}
	merged, err := base.merged(nil)
	require.NoError(t, err)
	assert.Equal(t, base, merged)
}
