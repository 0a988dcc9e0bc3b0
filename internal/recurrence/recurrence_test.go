package recurrence

import (
	"errors"
	"testing"
	"time"

	"callbot/internal/localtime"
)

func TestParseRuleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Rule
		enc  string // String() output; durations normalize
	}{
		{"none", Rule{Kind: None}, "none"},
		{"daily", Rule{Kind: Daily}, "daily"},
		{"weekly:1", Rule{Kind: Weekly, Weekday: time.Monday}, "weekly:1"},
		{"every:90m", Rule{Kind: Every, Period: 90 * time.Minute}, "every:1h30m0s"},
		{"cron:*/5 * * * *", Rule{Kind: Cron, Expr: "*/5 * * * *"}, "cron:*/5 * * * *"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
		if got.String() != tt.enc {
			t.Fatalf("String() = %q, want %q", got.String(), tt.enc)
		}
		// The encoded form must survive another Parse unchanged.
		back, err := Parse(got.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", got.String(), err)
		}
		if back != got {
			t.Fatalf("Parse(String()) = %+v, want %+v", back, got)
		}
	}
}

func TestParseRuleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"weekly:7", "every:10s", "every:bogus", "cron:not a cron", "fortnightly"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestNextOneOff(t *testing.T) {
	t.Parallel()
	wall := localtime.WallClock{Year: 2025, Month: time.April, Day: 10, Hour: 18, Minute: 0}

	before := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	at, err := Next(Rule{Kind: None}, wall, "UTC", before)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.April, 10, 18, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}

	if _, err := Next(Rule{Kind: None}, wall, "UTC", want); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestNextDaily(t *testing.T) {
	t.Parallel()
	wall := localtime.WallClock{Hour: 9, Minute: 0}
	loc, _ := time.LoadLocation("Asia/Jakarta")

	after := time.Date(2025, time.February, 3, 10, 0, 0, 0, loc) // past 09:00 local
	at, err := Next(Rule{Kind: Daily}, wall, "Asia/Jakarta", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.February, 4, 9, 0, 0, 0, loc)
	if !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}

	// Before 09:00 local the same day counts.
	after = time.Date(2025, time.February, 3, 8, 0, 0, 0, loc)
	at, _ = Next(Rule{Kind: Daily}, wall, "Asia/Jakarta", after)
	want = time.Date(2025, time.February, 3, 9, 0, 0, 0, loc)
	if !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}
}

func TestWeeklyAcrossDSTKeepsLocalTime(t *testing.T) {
	t.Parallel()
	// Monday 09:00 in New York, straddling the 2021-03-14 spring-forward.
	wall := localtime.WallClock{Hour: 9, Minute: 0}
	rule := Rule{Kind: Weekly, Weekday: time.Monday}
	loc, _ := time.LoadLocation("America/New_York")

	after := time.Date(2021, time.March, 7, 12, 0, 0, 0, time.UTC) // Sunday before
	first, err := Next(rule, wall, "America/New_York", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := Next(rule, wall, "America/New_York", first)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	for i, at := range []time.Time{first, second} {
		lt := at.In(loc)
		if lt.Weekday() != time.Monday || lt.Hour() != 9 || lt.Minute() != 0 {
			t.Fatalf("occurrence %d = %v, want Monday 09:00 local", i, lt)
		}
	}

	// One calendar week apart locally, but only 167h apart in absolute time.
	if d := second.Sub(first); d != 167*time.Hour {
		t.Fatalf("UTC gap across spring-forward = %v, want 167h", d)
	}
}

func TestNextEveryAdvancesInAbsoluteTime(t *testing.T) {
	t.Parallel()
	wall := localtime.WallClock{Year: 2025, Month: time.January, Day: 1, Hour: 12, Minute: 0}
	rule := Rule{Kind: Every, Period: 6 * time.Hour}

	anchor := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)

	// Before the anchor, the anchor itself is next.
	at, err := Next(rule, wall, "UTC", anchor.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !at.Equal(anchor) {
		t.Fatalf("Next = %v, want anchor %v", at, anchor)
	}

	// Exactly on an occurrence: strictly after means the following one.
	at, _ = Next(rule, wall, "UTC", anchor.Add(12*time.Hour))
	if want := anchor.Add(18 * time.Hour); !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}

	// Mid-interval.
	at, _ = Next(rule, wall, "UTC", anchor.Add(13*time.Hour))
	if want := anchor.Add(18 * time.Hour); !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}
}

func TestNextCronInOwnerTimezone(t *testing.T) {
	t.Parallel()
	rule := Rule{Kind: Cron, Expr: "30 7 * * *"}
	loc, _ := time.LoadLocation("Europe/Berlin")

	after := time.Date(2025, time.May, 10, 8, 0, 0, 0, loc)
	at, err := Next(rule, localtime.WallClock{}, "Europe/Berlin", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.May, 11, 7, 30, 0, 0, loc)
	if !at.Equal(want) {
		t.Fatalf("Next = %v, want %v", at, want)
	}
}

func TestNextInvalidTimezone(t *testing.T) {
	t.Parallel()
	_, err := Next(Rule{Kind: Daily}, localtime.WallClock{Hour: 9}, "Mars/Olympus", time.Now())
	if !errors.Is(err, localtime.ErrInvalidTimezone) {
		t.Fatalf("err = %v, want ErrInvalidTimezone", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	dated := localtime.WallClock{Year: 2025, Month: time.March, Day: 1, Hour: 8}
	dateless := localtime.WallClock{Hour: 8}

	if err := Validate(Rule{Kind: None}, dated); err != nil {
		t.Fatalf("one-off with date: %v", err)
	}
	if err := Validate(Rule{Kind: None}, dateless); err == nil {
		t.Fatal("one-off without date: expected error")
	}
	if err := Validate(Rule{Kind: Every, Period: time.Hour}, dateless); err == nil {
		t.Fatal("interval without anchor date: expected error")
	}
	if err := Validate(Rule{Kind: Daily}, dateless); err != nil {
		t.Fatalf("daily without date: %v", err)
	}
}
