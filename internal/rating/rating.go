// Package rating extracts a 1-5 satisfaction rating from free-text replies.
package rating

import (
	"strings"
	"unicode/utf8"
)

// ratingWords maps position (value-1) to the Spanish number word.
var ratingWords = []string{"uno", "dos", "tres", "cuatro", "cinco"}

// stopWords are short filler words that are never part of a rating but sit
// within edit distance 2 of one ("no" vs "uno", "es" vs "tres").
var stopWords = map[string]bool{
	"un":  true,
	"doy": true,
	"no":  true,
	"es":  true,
}

// maxWordLen excludes long words from fuzzy matching; none of the rating
// words come close to that length.
const maxWordLen = 9

// maxEditDistance is the fuzzy-match threshold.
const maxEditDistance = 2

// Extract converts a free-text reply into a numeric rating. It tries, in
// order: the first digit 1-5 anywhere in the text, the leftmost literal
// number word, and finally the closest fuzzy match by edit distance. The
// second return value is false when no rating could be found.
func Extract(text string) (int, bool) {
	for _, r := range text {
		if r >= '1' && r <= '5' {
			return int(r - '0'), true
		}
	}

	lower := strings.ToLower(text)
	bestIdx := -1
	bestValue := 0
	for i, word := range ratingWords {
		if idx := strings.Index(lower, word); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			bestIdx = idx
			bestValue = i + 1
		}
	}
	if bestIdx >= 0 {
		return bestValue, true
	}

	return fuzzyMatch(lower)
}

// fuzzyMatch finds the rating word with the smallest edit distance to any
// candidate word in the (lowercased) text. Stop words and overly long words
// are not candidates.
func fuzzyMatch(lower string) (int, bool) {
	minDistance := maxEditDistance + 1
	closest := 0

	for _, word := range strings.Fields(lower) {
		if stopWords[word] || utf8.RuneCountInString(word) >= maxWordLen {
			continue
		}
		for i, rw := range ratingWords {
			if d := levenshtein(word, rw); d < minDistance {
				minDistance = d
				closest = i + 1
			}
		}
	}

	if minDistance <= maxEditDistance {
		return closest, true
	}
	return 0, false
}

// levenshtein computes the edit distance between two strings with unit cost
// for single-character inserts, deletes, and substitutions.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	m, n := len(ra), len(rb)

	prev := make([]int, n+1)
	curr := make([]int, n+1)
	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		curr[0] = i
		for j := 1; j <= n; j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = 1 + min(prev[j], curr[j-1], prev[j-1])
			}
		}
		prev, curr = curr, prev
	}

	return prev[n]
}
