package localtime

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestResolveUnambiguous(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")

	got := ResolveOn(loc, 2021, time.June, 15, 9, 30)
	want := time.Date(2021, time.June, 15, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("ResolveOn = %v, want %v", got, want)
	}
	if got.Hour() != 9 || got.Minute() != 30 {
		t.Fatalf("wall clock = %02d:%02d, want 09:30", got.Hour(), got.Minute())
	}
}

func TestResolveSpringForwardGap(t *testing.T) {
	t.Parallel()
	// US Eastern, 2021-03-14: clocks jump 02:00 EST -> 03:00 EDT.
	loc := mustLoc(t, "America/New_York")

	got := ResolveOn(loc, 2021, time.March, 14, 2, 30)

	// First valid instant after the gap is the transition itself, 03:00 EDT.
	want := time.Date(2021, time.March, 14, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("gap resolve = %v (%v UTC), want %v", got, got.UTC(), want)
	}
	if got.Hour() != 3 || got.Minute() != 0 {
		t.Fatalf("gap resolve local = %02d:%02d, want 03:00", got.Hour(), got.Minute())
	}
}

func TestResolveFallBackFold(t *testing.T) {
	t.Parallel()
	// US Eastern, 2021-11-07: 01:30 occurs twice (EDT then EST).
	loc := mustLoc(t, "America/New_York")

	got := ResolveOn(loc, 2021, time.November, 7, 1, 30)

	// Earlier occurrence carries the pre-transition offset (EDT, UTC-4).
	want := time.Date(2021, time.November, 7, 5, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("fold resolve = %v UTC, want %v", got.UTC(), want)
	}
	if _, off := got.Zone(); off != -4*3600 {
		t.Fatalf("fold resolve offset = %d, want -14400 (EDT)", off)
	}
}

func TestResolveGapEuropean(t *testing.T) {
	t.Parallel()
	// Berlin, 2021-03-28: clocks jump 02:00 CET -> 03:00 CEST.
	loc := mustLoc(t, "Europe/Berlin")

	got := ResolveOn(loc, 2021, time.March, 28, 2, 15)
	if got.Hour() != 3 || got.Minute() != 0 {
		t.Fatalf("gap resolve local = %02d:%02d, want 03:00", got.Hour(), got.Minute())
	}
}

func TestResolveRejectsDatelessWall(t *testing.T) {
	t.Parallel()
	_, err := Resolve(WallClock{Hour: 9}, "UTC")
	if !errors.Is(err, ErrNoDate) {
		t.Fatalf("err = %v, want ErrNoDate", err)
	}
}

func TestLocationInvalid(t *testing.T) {
	t.Parallel()
	for _, tz := range []string{"", "Not/AZone", "moon standard time"} {
		if _, err := Location(tz); !errors.Is(err, ErrInvalidTimezone) {
			t.Fatalf("Location(%q) err = %v, want ErrInvalidTimezone", tz, err)
		}
	}
	if _, err := Location("Asia/Jakarta"); err != nil {
		t.Fatalf("Location(Asia/Jakarta) err = %v", err)
	}
}

func TestParseWallRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want WallClock
	}{
		{"09:05", WallClock{Hour: 9, Minute: 5}},
		{"23:59", WallClock{Hour: 23, Minute: 59}},
		{"2025-01-31 07:00", WallClock{Year: 2025, Month: time.January, Day: 31, Hour: 7}},
	}
	for _, tt := range tests {
		got, err := ParseWall(tt.raw)
		if err != nil {
			t.Fatalf("ParseWall(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseWall(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
		back, err := ParseWall(got.String())
		if err != nil || back != got {
			t.Fatalf("round trip of %q via %q failed: %+v (%v)", tt.raw, got.String(), back, err)
		}
	}
}

func TestParseClockInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"24:00", "12:60", "noon", "9", "12:3x"} {
		if _, err := ParseClock(raw); err == nil {
			t.Fatalf("ParseClock(%q): expected error", raw)
		}
	}
}
