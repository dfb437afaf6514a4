package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbedIsNormalized(t *testing.T) {
	v := Embed("cargo build release", map[string]string{"crate": "core"})
	assert.Len(t, v, Dim)
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9)
}

func TestEmbedDeterministic(t *testing.T) {
	v1 := Embed("cargo build release", map[string]string{"crate": "core"})
	v2 := Embed("cargo build release", map[string]string{"crate": "core"})
	assert.Equal(t, v1, v2)
}

func TestCosineDistanceIdentical(t *testing.T) {
	v := Embed("npm install", map[string]string{"pkg": "left-pad"})
	assert.InDelta(t, 0.0, CosineDistance(v, v), 1e-9)
}

func TestCosineDistanceDistinctIsPositive(t *testing.T) {
	a := Embed("cargo build", nil)
	b := Embed("gitlab ci pipeline run", map[string]string{"stage": "test"})
	assert.Greater(t, CosineDistance(a, b), 0.0)
}

func TestEmbedEmptyInputIsZeroVectorSafe(t *testing.T) {
	v := Embed("", nil)
	assert.Len(t, v, Dim)
	assert.Equal(t, 0.0, CosineDistance(v, v))
}
