package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Model JSON output is untrusted: models wrap arrays in prose, fence them in
// markdown, and leave trailing commas. decodeJSON walks a ladder of
// progressively more forgiving attempts and gives up only when none yields
// valid JSON.

var (
	reCodeFence     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	reFirstArray    = regexp.MustCompile(`(?s)\[.*\]`)
	reFirstObject   = regexp.MustCompile(`(?s)\{.*\}`)
	reTrailingComma = regexp.MustCompile(`,\s*([\]}])`)
)

// decodeJSON unmarshals raw model output into v, salvaging common formatting
// damage on the way:
//
//  1. direct parse;
//  2. contents of the first markdown code fence;
//  3. the first bracketed array (or braced object, per wantArray);
//  4. each of the above with trailing commas removed.
//
// Returns false when nothing on the ladder parses.
func decodeJSON(raw string, v any, wantArray bool) bool {
	candidates := []string{strings.TrimSpace(raw)}

	if m := reCodeFence.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	re := reFirstObject
	if wantArray {
		re = reFirstArray
	}
	for _, c := range candidates {
		if m := re.FindString(c); m != "" && m != c {
			candidates = append(candidates, m)
		}
	}

	n := len(candidates)
	for i := 0; i < n; i++ {
		fixed := reTrailingComma.ReplaceAllString(candidates[i], "$1")
		if fixed != candidates[i] {
			candidates = append(candidates, fixed)
		}
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c), v); err == nil {
			return true
		}
	}
	return false
}
