// Package localtime resolves a user's wall-clock intent into absolute instants.
//
// A scheduled call is stored as the wall clock the user asked for plus an IANA
// timezone identifier, never as a precomputed UTC instant. Resolution happens
// again for every occurrence, which is what keeps recurring calls correct
// across DST transitions.
package localtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimezone is returned for unrecognized IANA timezone identifiers.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrNoDate is returned when resolving a wall clock that has no date component.
var ErrNoDate = errors.New("wall clock has no date")

// WallClock is a local wall-clock specification. The date part is optional:
// recurring calls carry only HH:MM, one-off calls carry a full date.
type WallClock struct {
	Year   int // 0 means no date component
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

func (w WallClock) HasDate() bool { return w.Year != 0 }

// String renders "15:04" or "2006-01-02 15:04". The inverse of ParseWall.
func (w WallClock) String() string {
	if !w.HasDate() {
		return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
	}
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d", w.Year, int(w.Month), w.Day, w.Hour, w.Minute)
}

// ParseWall parses "HH:MM" or "YYYY-MM-DD HH:MM".
func ParseWall(s string) (WallClock, error) {
	s = strings.TrimSpace(s)
	if d, rest, ok := strings.Cut(s, " "); ok {
		w, err := ParseClock(rest)
		if err != nil {
			return WallClock{}, err
		}
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return WallClock{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", d)
		}
		w.Year, w.Month, w.Day = t.Year(), t.Month(), t.Day()
		return w, nil
	}
	return ParseClock(s)
}

// ParseClock parses "HH:MM" into a dateless WallClock.
func ParseClock(s string) (WallClock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return WallClock{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return WallClock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return WallClock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return WallClock{Hour: h, Minute: m}, nil
}

// Location loads an IANA timezone, mapping unknown names to ErrInvalidTimezone.
func Location(tzID string) (*time.Location, error) {
	tzID = strings.TrimSpace(tzID)
	if tzID == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(tzID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tzID)
	}
	return loc, nil
}

// Resolve converts a dated wall clock in the given timezone to an absolute
// instant, applying the DST policy from ResolveOn.
func Resolve(w WallClock, tzID string) (time.Time, error) {
	if !w.HasDate() {
		return time.Time{}, ErrNoDate
	}
	loc, err := Location(tzID)
	if err != nil {
		return time.Time{}, err
	}
	return ResolveOn(loc, w.Year, w.Month, w.Day, w.Hour, w.Minute), nil
}

// ResolveOn resolves a wall clock on a concrete date in loc.
//
// DST policy (deterministic, never errors):
//   - Unambiguous local times map to their single instant.
//   - Fold (clocks set back, the wall time exists twice): the earlier
//     instant wins, i.e. the occurrence under the pre-transition offset.
//   - Gap (clocks set forward, the wall time does not exist): the result is
//     the first valid instant after the gap, i.e. the transition itself.
func ResolveOn(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	// Interpret the wall clock as if it were UTC, then test which real
	// offsets of loc reproduce it.
	sec := time.Date(year, month, day, hour, minute, 0, 0, time.UTC).Unix()

	var valid []time.Time
	for _, off := range offsetsAround(loc, sec) {
		cand := time.Unix(sec-int64(off), 0).In(loc)
		if sameWall(cand, year, month, day, hour, minute) {
			valid = append(valid, cand)
		}
	}

	if len(valid) > 0 {
		// One candidate: unambiguous. Two: a fold, keep the first occurrence.
		first := valid[0]
		for _, c := range valid[1:] {
			if c.Before(first) {
				first = c
			}
		}
		return first
	}

	// Gap. The requested wall time was skipped; the transition instant lies
	// between the interpretations under the two surrounding offsets. Binary
	// search for the first second carrying the post-transition offset.
	offs := offsetsAround(loc, sec)
	minOff, maxOff := offs[0], offs[0]
	for _, o := range offs {
		if o < minOff {
			minOff = o
		}
		if o > maxOff {
			maxOff = o
		}
	}
	lo := sec - int64(maxOff) // before the transition
	hi := sec - int64(minOff) // after the transition
	target := offsetAt(loc, hi)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if offsetAt(loc, mid) == target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return time.Unix(hi, 0).In(loc)
}

// offsetsAround returns the distinct UTC offsets of loc within a day of
// the given wall-as-UTC second. Transitions are at least a day apart, so
// this covers both sides of any transition near the target.
func offsetsAround(loc *time.Location, sec int64) []int {
	offs := make([]int, 0, 3)
	for _, d := range []int64{-86400, 0, 86400} {
		off := offsetAt(loc, sec+d)
		seen := false
		for _, o := range offs {
			if o == off {
				seen = true
				break
			}
		}
		if !seen {
			offs = append(offs, off)
		}
	}
	return offs
}

func offsetAt(loc *time.Location, sec int64) int {
	_, off := time.Unix(sec, 0).In(loc).Zone()
	return off
}

func sameWall(t time.Time, year int, month time.Month, day, hour, minute int) bool {
	return t.Year() == year && t.Month() == month && t.Day() == day &&
		t.Hour() == hour && t.Minute() == minute && t.Second() == 0
}
