// Package dateparse resolves natural-language date expressions to calendar
// dates. Parsing is fully deterministic given the expression and a reference
// date: no model call, no system clock. When an expression cannot be resolved
// the zero time and false are returned — callers must discard rather than
// guess.
package dateparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var (
	reRelative = regexp.MustCompile(`^in\s+(\d+)\s+(day|week|month)s?$`)
	reWeekday  = regexp.MustCompile(`^(?:(this|next)\s+)?([a-z]+)$`)
	reMonthDay = regexp.MustCompile(`^([a-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?$`)
	reDayMonth = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?([a-z]+)$`)
	reRange    = regexp.MustCompile(`^([a-z]+)\.?\s+(\d{1,2})\s*[-–]\s*\d{1,2}$`)
	reSlash    = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?$`)
)

// Parse resolves expression against the reference date. The returned date is
// midnight in reference's location. ok is false when the expression is not a
// recognisable date.
func Parse(expression string, reference time.Time) (time.Time, bool) {
	expr := strings.ToLower(strings.TrimSpace(expression))
	if expr == "" {
		return time.Time{}, false
	}

	ref := midnight(reference)

	// "december 25, 2026" carries a comma but is one date, so explicit-year
	// layouts get first look before the conjunction split.
	for _, layout := range []string{"january 2, 2006", "january 2 2006"} {
		if d, err := time.ParseInLocation(layout, expr, reference.Location()); err == nil {
			return d, true
		}
	}

	// Two dates joined by "and" or "," resolve to the first.
	if i := strings.Index(expr, " and "); i > 0 {
		if d, ok := Parse(expr[:i], reference); ok {
			return d, true
		}
	}
	if i := strings.IndexByte(expr, ','); i > 0 {
		if d, ok := Parse(expr[:i], reference); ok {
			return d, true
		}
	}

	// Leading prepositions contribute nothing ("on friday", "at march 5").
	expr = strings.TrimPrefix(expr, "on ")
	expr = strings.TrimPrefix(expr, "at ")
	expr = strings.TrimSpace(expr)

	if d, err := time.ParseInLocation("2006-01-02", expr, reference.Location()); err == nil {
		return d, true
	}

	switch expr {
	case "today", "tonight":
		return ref, true
	case "tomorrow":
		return ref.AddDate(0, 0, 1), true
	case "day after tomorrow", "the day after tomorrow":
		return ref.AddDate(0, 0, 2), true
	case "next week":
		return ref.AddDate(0, 0, 7), true
	case "next month":
		return ref.AddDate(0, 0, 30), true
	}

	if m := reRelative.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "day":
			return ref.AddDate(0, 0, n), true
		case "week":
			return ref.AddDate(0, 0, n*7), true
		case "month":
			// Month arithmetic is fixed at 30 days so the result does not
			// depend on calendar month lengths.
			return ref.AddDate(0, 0, n*30), true
		}
	}

	if m := reWeekday.FindStringSubmatch(expr); m != nil {
		if wd, ok := weekdays[m[2]]; ok {
			days := int(wd-ref.Weekday()+7) % 7
			if days == 0 {
				days = 7
			}
			if m[1] == "next" {
				days += 7
			}
			return ref.AddDate(0, 0, days), true
		}
	}

	if m := reRange.FindStringSubmatch(expr); m != nil {
		if mon, ok := months[m[1]]; ok {
			day, _ := strconv.Atoi(m[2])
			return monthDay(ref, mon, day)
		}
	}

	if m := reMonthDay.FindStringSubmatch(expr); m != nil {
		if mon, ok := months[m[1]]; ok {
			day, _ := strconv.Atoi(m[2])
			return monthDay(ref, mon, day)
		}
	}

	if m := reDayMonth.FindStringSubmatch(expr); m != nil {
		if mon, ok := months[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			return monthDay(ref, mon, day)
		}
	}

	return parseFuzzy(expr, ref)
}

// monthDay resolves a month/day pair in the reference year, rolling to the
// next year when the date has already passed.
func monthDay(ref time.Time, mon time.Month, day int) (time.Time, bool) {
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(ref.Year(), mon, day, 0, 0, 0, 0, ref.Location())
	if d.Month() != mon {
		// Overflowed (e.g., February 31).
		return time.Time{}, false
	}
	if d.Before(ref) {
		d = time.Date(ref.Year()+1, mon, day, 0, 0, 0, 0, ref.Location())
	}
	return d, true
}

// parseFuzzy is the best-effort tail: explicit layouts and slash dates. It
// never guesses beyond these forms.
func parseFuzzy(expr string, ref time.Time) (time.Time, bool) {
	for _, layout := range []string{
		"january 2, 2006",
		"january 2 2006",
		"2 january 2006",
		"2006/01/02",
		"01-02-2006",
	} {
		if d, err := time.ParseInLocation(layout, expr, ref.Location()); err == nil {
			return d, true
		}
	}

	if m := reSlash.FindStringSubmatch(expr); m != nil {
		mon, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if mon < 1 || mon > 12 {
			return time.Time{}, false
		}
		if m[3] != "" {
			year, _ := strconv.Atoi(m[3])
			if year < 100 {
				year += 2000
			}
			d := time.Date(year, time.Month(mon), day, 0, 0, 0, 0, ref.Location())
			if d.Month() != time.Month(mon) {
				return time.Time{}, false
			}
			return d, true
		}
		return monthDay(ref, time.Month(mon), day)
	}

	return time.Time{}, false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var reClock = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?$`)

// ParseClock normalises a clock expression ("3pm", "9:30am", "15:30") to
// 24-hour "HH:MM". ok is false for unrecognisable or out-of-range input.
func ParseClock(expression string) (string, bool) {
	expr := strings.ToLower(strings.TrimSpace(expression))
	expr = strings.TrimPrefix(expr, "at ")
	expr = strings.TrimSpace(expr)

	m := reClock.FindStringSubmatch(expr)
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return "", false
	}

	switch {
	case strings.HasPrefix(m[3], "p"):
		if hour < 1 || hour > 12 {
			return "", false
		}
		if hour != 12 {
			hour += 12
		}
	case strings.HasPrefix(m[3], "a"):
		if hour < 1 || hour > 12 {
			return "", false
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return "", false
		}
		// A bare hour without meridiem or minutes ("at 3") is ambiguous;
		// require either minutes or am/pm.
		if m[2] == "" {
			return "", false
		}
	}

	return twoDigit(hour) + ":" + twoDigit(minute), true
}

func twoDigit(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
