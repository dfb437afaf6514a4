// Package distance implements the text and metadata similarity measures used
// by both the online clustering engine and the offline rebuild pipeline.
// The two subsystems deliberately use different metadata comparisons: online
// assignment compares metadata by KEY overlap only (fast, order-insensitive,
// cheap to recompute per race), while offline rebuild compares metadata by
// KEY=VALUE pair overlap (slower, exact, run in batch).
package distance

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText NFKC-normalizes s, lowercases it, strips everything but
// alphanumerics and whitespace, and collapses runs of whitespace to a
// single space, so titles that differ only in casing, spacing, or
// punctuation compare as identical.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	lastWasSpace := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		default:
			// punctuation and symbols are dropped, not treated as
			// word-boundary whitespace, matching the original's
			// is_alphanumeric-or-whitespace filter.
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// TitleSimilarity returns a value in [0, 1]: 1 for identical normalized
// titles, decreasing with Levenshtein edit distance relative to the longer
// title's length.
func TitleSimilarity(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == nb {
		return 1.0
	}
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	sim := 1.0 - float64(dist)/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return sim
}

// JaccardKeys computes Jaccard similarity over the KEY SETS of two metadata
// maps, ignoring values. Used by online cluster assignment, where the cost
// of comparing every candidate cluster on every incoming race must stay low.
func JaccardKeys(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	union := len(b)
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// JaccardKeyValue computes Jaccard similarity over KEY=VALUE PAIRS of two
// metadata maps. Used by the offline rebuild distance function, where batch
// recomputation can afford the stricter, value-aware comparison.
func JaccardKeyValue(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	union := len(b)
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// OnlineSimilarity is the weighted composite used by the online clustering
// engine to decide which existing cluster (if any) a new race belongs to:
// 0.6 title similarity + 0.4 key-only metadata Jaccard.
func OnlineSimilarity(titleA, titleB string, metaA, metaB map[string]string) float64 {
	return 0.6*TitleSimilarity(titleA, titleB) + 0.4*JaccardKeys(metaA, metaB)
}

// RebuildDistance is the distance function (1 - similarity) used by DBSCAN
// during offline rebuild: weighted title/metadata similarity with
// per-source weights, metadata compared by full key=value pairs.
func RebuildDistance(titleA, titleB string, metaA, metaB map[string]string, wTitle, wMeta float64) float64 {
	sim := wTitle*TitleSimilarity(titleA, titleB) + wMeta*JaccardKeyValue(metaA, metaB)
	return 1.0 - sim
}
