// Package textmatch holds the word-overlap scoring shared by memory dedup and
// schedule search.
package textmatch

import "strings"

// JaccardWords returns the Jaccard similarity of the lower-cased word sets of
// a and b: |intersection| / |union|. Two empty strings are considered
// identical (1.0).
//
// Near-identical phrasings of the same appointment ("dentist appointment
// Tuesday 3pm" vs "dentist appointment on Tuesday at 3pm") overlap far above
// the 0.6 dedup suppression threshold, while genuinely different events on
// nearby dates fall well below it.
func JaccardWords(a, b string) float64 {
	wa := fieldsLower(a)
	wb := fieldsLower(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	set := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		set[w] = struct{}{}
	}

	union := len(set)
	intersection := 0
	seen := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

func fieldsLower(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
