// Package match implements the fuzzy string ranking used by search commands.
package match

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Similarity scores how alike two strings are, in [0, 1].
// Exact match scores 1.0 and substring containment 0.9; everything else is
// Jaccard similarity over 3-rune shingles, sharpened with edit distance when
// the shingle score already looks like a near miss.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	sa := shingles(a)
	sb := shingles(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	inter := 0
	for s := range sa {
		if _, ok := sb[s]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	score := float64(inter) / float64(union)

	if score > 0.5 {
		ra := []rune(a)
		rb := []rune(b)
		maxLen := len(ra)
		if len(rb) > maxLen {
			maxLen = len(rb)
		}
		editScore := 1.0 - float64(editDistance(ra, rb))/float64(maxLen)
		score = (score + editScore) / 2
	}
	return score
}

// shingles returns the set of 3-rune substrings of s. Strings shorter than
// three runes fall back to the 2-rune string itself, or a single rune padded
// with a sentinel.
func shingles(s string) map[string]struct{} {
	runes := []rune(s)
	set := make(map[string]struct{})
	switch {
	case len(runes) >= 3:
		for i := 0; i+3 <= len(runes); i++ {
			set[string(runes[i:i+3])] = struct{}{}
		}
	case len(runes) == 2:
		set[s] = struct{}{}
	case len(runes) == 1:
		set[s+"_"] = struct{}{}
	}
	return set
}

func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Result pairs a candidate index with its similarity score.
type Result struct {
	Index int
	Score float64
}

// Rank scores every candidate against query and returns those at or above
// threshold, best first. Ties keep the original candidate order. A limit of
// zero or less means no limit.
func Rank(query string, candidates []string, threshold float64, limit int) []Result {
	results := lo.FilterMap(candidates, func(c string, i int) (Result, bool) {
		score := Similarity(query, c)
		return Result{Index: i, Score: score}, score >= threshold
	})
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
