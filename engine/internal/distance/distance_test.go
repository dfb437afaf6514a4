package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "build project", NormalizeText("  Build   Project  "))
	assert.Equal(t, "", NormalizeText("   "))
}

func TestNormalizeTextStripsPunctuationWithoutInsertingWhitespace(t *testing.T) {
	assert.Equal(t, "cargo build release", NormalizeText("cargo build --release"))
	assert.Equal(t, "npm install scopepkg", NormalizeText("npm install @scope/pkg"))
}

func TestNormalizeTextIsNFKCNormalized(t *testing.T) {
	// "ﬁ" (U+FB01, LATIN SMALL LIGATURE FI) NFKC-decomposes to "fi".
	assert.Equal(t, "fix", NormalizeText("ﬁx"))
}

func TestTitleSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TitleSimilarity("cargo build", "Cargo  Build"))
	assert.Greater(t, TitleSimilarity("cargo build", "cargo buidl"), 0.5)
	assert.Less(t, TitleSimilarity("cargo build", "npm install"), 0.5)
	assert.Equal(t, 1.0, TitleSimilarity("", ""))
}

func TestJaccardKeys(t *testing.T) {
	a := map[string]string{"branch": "main", "crate": "core"}
	b := map[string]string{"branch": "dev", "crate": "core"}
	assert.Equal(t, 1.0, JaccardKeys(a, b))

	c := map[string]string{"branch": "main"}
	assert.InDelta(t, 0.5, JaccardKeys(a, c), 1e-9)

	assert.Equal(t, 1.0, JaccardKeys(nil, nil))
	assert.Equal(t, 0.0, JaccardKeys(a, nil))
}

func TestJaccardKeyValue(t *testing.T) {
	a := map[string]string{"branch": "main", "crate": "core"}
	b := map[string]string{"branch": "dev", "crate": "core"}
	assert.InDelta(t, 1.0/3.0, JaccardKeyValue(a, b), 1e-9)

	assert.Equal(t, 1.0, JaccardKeyValue(a, a))
}

func TestOnlineSimilarityWeighting(t *testing.T) {
	s := OnlineSimilarity("cargo build", "cargo build",
		map[string]string{"crate": "core"}, map[string]string{"crate": "other"})
	assert.InDelta(t, 1.0, s, 1e-9)
}

func TestRebuildDistanceIsOneMinusSimilarity(t *testing.T) {
	d := RebuildDistance("a", "a", map[string]string{"k": "v"}, map[string]string{"k": "v"}, 0.6, 0.4)
	assert.InDelta(t, 0.0, d, 1e-9)
}
