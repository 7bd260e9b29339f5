package dateparse

import (
	"testing"
	"time"
)

// Wednesday, October 15th 2025.
var ref = time.Date(2025, time.October, 15, 14, 30, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	cases := []struct {
		expr string
		want time.Time
	}{
		{"2026-03-05", date(2026, time.March, 5)},
		{"today", date(2025, time.October, 15)},
		{"tonight", date(2025, time.October, 15)},
		{"tomorrow", date(2025, time.October, 16)},
		{"day after tomorrow", date(2025, time.October, 17)},
		{"in 3 days", date(2025, time.October, 18)},
		{"in 1 day", date(2025, time.October, 16)},
		{"in 2 weeks", date(2025, time.October, 29)},
		{"in 1 month", date(2025, time.November, 14)}, // month = 30 days
		{"next week", date(2025, time.October, 22)},

		// Reference is a Wednesday.
		{"friday", date(2025, time.October, 17)},
		{"this friday", date(2025, time.October, 17)},
		{"next friday", date(2025, time.October, 24)},
		{"on friday", date(2025, time.October, 17)},
		{"wednesday", date(2025, time.October, 22)}, // same-day rolls a week
		{"this wednesday", date(2025, time.October, 22)},
		{"next monday", date(2025, time.October, 27)},

		{"october 20", date(2025, time.October, 20)},
		{"october 20th", date(2025, time.October, 20)},
		{"oct 20", date(2025, time.October, 20)},
		{"march 5", date(2026, time.March, 5)}, // past date rolls to next year
		{"5th of march", date(2026, time.March, 5)},
		{"20 october", date(2025, time.October, 20)},

		{"november 3-7", date(2025, time.November, 3)},    // range takes start
		{"friday and saturday", date(2025, time.October, 17)}, // conjunction takes first
		{"october 20, october 25", date(2025, time.October, 20)},

		{"december 25, 2026", date(2026, time.December, 25)},
		{"12/25", date(2025, time.December, 25)},
		{"3/5", date(2026, time.March, 5)},
		{"12/25/2026", date(2026, time.December, 25)},
		{"12/25/26", date(2026, time.December, 25)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, ok := Parse(tc.expr, ref)
			if !ok {
				t.Fatalf("Parse(%q) failed", tc.expr)
			}
			if !got.Equal(tc.want) {
				t.Errorf("Parse(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParse_Unresolvable(t *testing.T) {
	cases := []string{
		"",
		"whenever",
		"the thing after the other thing",
		"february 31", // invalid day
		"month 99",
		"13/40",
	}
	for _, expr := range cases {
		if got, ok := Parse(expr, ref); ok {
			t.Errorf("Parse(%q) = %v, want failure", expr, got)
		}
	}
}

func TestParse_Deterministic(t *testing.T) {
	a, okA := Parse("next tuesday", ref)
	b, okB := Parse("next tuesday", ref)
	if okA != okB || !a.Equal(b) {
		t.Errorf("identical inputs produced %v/%v and %v/%v", a, okA, b, okB)
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"3pm", "15:00"},
		{"3 pm", "15:00"},
		{"9:30am", "09:30"},
		{"at 9:30am", "09:30"},
		{"12pm", "12:00"},
		{"12am", "00:00"},
		{"15:30", "15:30"},
		{"09:05", "09:05"},
		{"11:59 p.m.", "23:59"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, ok := ParseClock(tc.expr)
			if !ok {
				t.Fatalf("ParseClock(%q) failed", tc.expr)
			}
			if got != tc.want {
				t.Errorf("ParseClock(%q) = %q, want %q", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseClock_Invalid(t *testing.T) {
	cases := []string{
		"",
		"at 3",   // bare hour without am/pm is ambiguous
		"25:00",
		"13pm",
		"9:75am",
		"noonish",
	}
	for _, expr := range cases {
		if got, ok := ParseClock(expr); ok {
			t.Errorf("ParseClock(%q) = %q, want failure", expr, got)
		}
	}
}
