package main

import (
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ===========================
// Fuzzy Similarity Gate
// ===========================

// DefaultSimilarityThreshold is the empirically tuned acceptance score for
// trusting an external source's answer against the user's request.
const DefaultSimilarityThreshold = 60

// TokenSetRatio scores two strings in [0, 100], ignoring token order and
// duplication. Both sides are reduced to sorted token sets; the score is the
// best pairwise edit-distance ratio between the shared-token core and each
// side's remainder, which keeps reordered and partially-overlapping titles
// close to 100 while unrelated strings stay low.
func TokenSetRatio(a, b string) int {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var shared, onlyA, onlyB []string
	for t := range ta {
		if tb[t] {
			shared = append(shared, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if !ta[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(shared)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	core := strings.Join(shared, " ")
	withA := strings.TrimSpace(core + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(core + " " + strings.Join(onlyB, " "))

	score := editRatio(core, withA)
	if s := editRatio(core, withB); s > score {
		score = s
	}
	if s := editRatio(withA, withB); s > score {
		score = s
	}
	return score
}

// SimilarEnough is the shared acceptance test used by candidate ranking and
// lyrics verification. A threshold <= 0 falls back to the default.
func SimilarEnough(a, b string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return TokenSetRatio(a, b) >= threshold
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		set[t] = true
	}
	return set
}

func editRatio(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	d := levenshtein.ComputeDistance(a, b)
	return int(math.Round((1 - float64(d)/float64(longest)) * 100))
}
