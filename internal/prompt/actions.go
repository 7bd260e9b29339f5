package prompt

import (
	"fmt"
	"strings"

	"github.com/hearthward/famulus/pkg/memory"
)

// renderActionSummary turns the executed e-mail actions into a tally plus a
// per-action list, so the reply can report exactly what happened — including
// failures — instead of letting the model guess.
func renderActionSummary(actions []memory.EmailAction) string {
	var succeeded, failed, skipped int
	for _, a := range actions {
		switch a.Status {
		case memory.ActionSuccess:
			succeeded++
		case memory.ActionFailed:
			failed++
		case memory.ActionSkipped:
			skipped++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Actions already executed for this message: %d succeeded, %d failed, %d skipped. Report these truthfully; do not claim anything else was done.\n",
		succeeded, failed, skipped)

	for _, a := range actions {
		line := fmt.Sprintf("- %s %s: %s — %s", a.Verb, a.Type, a.Intent, a.Status)
		if a.Status == memory.ActionFailed && a.ErrorMessage != "" {
			line += " (" + a.ErrorMessage + ")"
		}
		if id, ok := a.Details["event_id"]; ok && a.Status == memory.ActionSuccess {
			line += fmt.Sprintf(" (event #%v)", id)
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
