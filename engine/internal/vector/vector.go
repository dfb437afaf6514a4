// Package vector builds fixed-width numeric embeddings for races so the
// offline rebuild pipeline's HNSW index can approximate nearest-neighbor
// search without falling back to pairwise distance over the whole dataset.
package vector

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Dim is the embedding width. Chosen to keep HNSW graph construction and
// approximate search cheap while still giving the hashed n-gram buckets
// enough room to avoid excessive collision.
const Dim = 64

const nGram = 3

// Embed builds a Dim-wide L2-normalized vector from a race's title and
// metadata: each character trigram of the normalized title, and each
// metadata key=value pair, is hashed into a bucket and accumulated there.
// Hashing into fixed buckets (rather than one dimension per distinct
// trigram) keeps the vector width constant regardless of vocabulary size.
func Embed(normalizedTitle string, metadata map[string]string) []float64 {
	v := make([]float64, Dim)

	runes := []rune(normalizedTitle)
	if len(runes) < nGram {
		addToken(v, normalizedTitle)
	} else {
		for i := 0; i+nGram <= len(runes); i++ {
			addToken(v, string(runes[i:i+nGram]))
		}
	}
	for k, val := range metadata {
		addToken(v, k+"="+val)
	}

	normalize(v)
	return v
}

func addToken(v []float64, token string) {
	h := xxhash.Sum64String(token)
	bucket := h % uint64(Dim)
	sign := 1.0
	if (h>>63)&1 == 1 {
		sign = -1.0
	}
	v[bucket] += sign
}

func normalize(v []float64) {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] /= norm
	}
}

// CosineDistance returns 1 - cosine_similarity, used as the metric space for
// the HNSW graph; both inputs are assumed already L2-normalized so the dot
// product alone gives the cosine similarity.
func CosineDistance(a, b []float64) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return 1 - dot
}
