package extract

import "strings"

// queryPatterns mark turns that ask about existing state. Querying turns are
// never mined for new memories, and short-circuit the schedule extractor to
// NOTHING without a model call.
var queryPatterns = []string{
	"what's on my",
	"whats on my",
	"what is on my",
	"do i have",
	"when is my",
	"when's my",
	"what's my schedule",
	"what is my schedule",
	"anything scheduled",
	"anything on the calendar",
	"what's coming up",
	"what is coming up",
	"am i free",
	"remind me what",
}

// trivialAcknowledgments are turns too empty to extract from.
var trivialAcknowledgments = map[string]struct{}{
	"ok": {}, "okay": {}, "yes": {}, "no": {}, "yep": {}, "nope": {},
	"thanks": {}, "thank you": {}, "sure": {}, "got it": {}, "alright": {},
	"sounds good": {}, "great": {}, "cool": {}, "bye": {}, "goodbye": {},
	"hello": {}, "hi": {}, "hey": {},
}

// Action keyword sets used for post-flight verification: the model's claimed
// action must be backed by at least one matching word in the user's turn.
var (
	addKeywords = []string{
		"schedule", "add", "book", "set", "remind", "appointment",
		"meeting", "plan", "create", "have a", "have an", "going to",
	}
	updateKeywords = []string{
		"update", "change", "move", "reschedule", "postpone", "push",
		"shift", "instead",
	}
	deleteKeywords = []string{
		"delete", "cancel", "remove", "drop", "forget about", "call off",
		"scratch",
	}
)

// isQueryTurn reports whether the turn only asks about existing state.
func isQueryTurn(turn string) bool {
	lower := strings.ToLower(turn)
	for _, p := range queryPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isTrivialTurn reports whether the turn is a bare acknowledgment.
func isTrivialTurn(turn string) bool {
	normalized := strings.ToLower(strings.TrimSpace(turn))
	normalized = strings.Trim(normalized, ".!?")
	_, ok := trivialAcknowledgments[normalized]
	return ok
}

// containsAny reports whether the lower-cased turn contains one of words.
func containsAny(turn string, words []string) bool {
	lower := strings.ToLower(turn)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
