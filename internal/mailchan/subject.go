package mailchan

import "strings"

// replyPrefixes are the tokens stripped (repeatedly) from the front of a
// subject when resolving its thread.
var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// NormalizeSubject strips any leading chain of Re:/Fwd:/FW: tokens so
// replies and forwards land on the same thread. Idempotent.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		stripped := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

// replySubject prefixes Re: unless the subject already carries one.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
