// Package recurrence computes the next occurrence of a scheduled call.
//
// Calendar rules (daily, weekly, cron) advance the wall clock in the owner's
// timezone and resolve each occurrence through localtime, so a "09:00 every
// Monday" call stays at 09:00 local across DST transitions. Interval rules
// advance by a fixed absolute duration instead.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"callbot/internal/localtime"
)

// Kind identifies how a call repeats.
type Kind string

const (
	None   Kind = "none"   // one-off, fires once
	Daily  Kind = "daily"  // every day at the wall clock time
	Weekly Kind = "weekly" // every week on Weekday at the wall clock time
	Every  Kind = "every"  // fixed absolute interval from the anchor instant
	Cron   Kind = "cron"   // cron expression, evaluated in the owner's timezone
)

// ErrExhausted is returned when a rule has no occurrence after the reference
// instant (a one-off whose instant has passed).
var ErrExhausted = errors.New("no further occurrence")

// Rule is a call's recurrence specification.
type Rule struct {
	Kind    Kind
	Weekday time.Weekday  // Weekly only
	Period  time.Duration // Every only
	Expr    string        // Cron only
}

// String encodes the rule compactly ("none", "weekly:1", "every:10m0s",
// "cron:*/5 * * * *"). Parse accepts everything String produces; interval
// periods render in Go's normalized duration form, so the text may differ
// from what was originally parsed ("90m" comes back as "1h30m0s").
func (r Rule) String() string {
	switch r.Kind {
	case Weekly:
		return fmt.Sprintf("weekly:%d", int(r.Weekday))
	case Every:
		return "every:" + r.Period.String()
	case Cron:
		return "cron:" + r.Expr
	default:
		return string(r.Kind)
	}
}

// Recurs reports whether the rule produces more than one occurrence.
func (r Rule) Recurs() bool { return r.Kind != None }

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse decodes a rule produced by String.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	kind, arg, _ := strings.Cut(s, ":")
	switch Kind(kind) {
	case None, "":
		return Rule{Kind: None}, nil
	case Daily:
		return Rule{Kind: Daily}, nil
	case Weekly:
		d, err := strconv.Atoi(arg)
		if err != nil || d < 0 || d > 6 {
			return Rule{}, fmt.Errorf("invalid weekday in rule %q", s)
		}
		return Rule{Kind: Weekly, Weekday: time.Weekday(d)}, nil
	case Every:
		p, err := time.ParseDuration(arg)
		if err != nil || p < time.Minute {
			return Rule{}, fmt.Errorf("invalid interval in rule %q (minimum 1m)", s)
		}
		return Rule{Kind: Every, Period: p}, nil
	case Cron:
		if _, err := cronParser.Parse(arg); err != nil {
			return Rule{}, fmt.Errorf("invalid cron rule %q: %w", s, err)
		}
		return Rule{Kind: Cron, Expr: arg}, nil
	default:
		return Rule{}, fmt.Errorf("unknown rule kind %q", kind)
	}
}

// Validate checks the rule against the wall clock it will be applied to.
func Validate(r Rule, wall localtime.WallClock) error {
	switch r.Kind {
	case None:
		if !wall.HasDate() {
			return errors.New("one-off call requires a date")
		}
	case Every:
		if r.Period < time.Minute {
			return errors.New("interval must be at least 1m")
		}
		if !wall.HasDate() {
			return errors.New("interval call requires an anchor date")
		}
	case Cron:
		if _, err := cronParser.Parse(r.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case Daily, Weekly:
		// wall date, if present, is ignored; HH:MM is enough
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// Next returns the first occurrence of the rule strictly after the given
// instant, recomputed from the original wall-clock intent.
func Next(r Rule, wall localtime.WallClock, tzID string, after time.Time) (time.Time, error) {
	loc, err := localtime.Location(tzID)
	if err != nil {
		return time.Time{}, err
	}

	switch r.Kind {
	case None:
		if !wall.HasDate() {
			return time.Time{}, localtime.ErrNoDate
		}
		at := localtime.ResolveOn(loc, wall.Year, wall.Month, wall.Day, wall.Hour, wall.Minute)
		if !at.After(after) {
			return time.Time{}, ErrExhausted
		}
		return at, nil

	case Daily:
		ref := after.In(loc)
		y, mo, d := ref.Date()
		// The same-day candidate may already be past; a DST shift can also
		// make consecutive candidates collide, so probe a few days out.
		for i := 0; i < 4; i++ {
			at := localtime.ResolveOn(loc, y, mo, d+i, wall.Hour, wall.Minute)
			if at.After(after) {
				return at, nil
			}
		}
		return time.Time{}, fmt.Errorf("daily rule produced no occurrence after %v", after)

	case Weekly:
		ref := after.In(loc)
		y, mo, d := ref.Date()
		step := (int(r.Weekday) - int(ref.Weekday()) + 7) % 7
		for i := 0; i < 3; i++ {
			at := localtime.ResolveOn(loc, y, mo, d+step+7*i, wall.Hour, wall.Minute)
			if at.After(after) {
				return at, nil
			}
		}
		return time.Time{}, fmt.Errorf("weekly rule produced no occurrence after %v", after)

	case Every:
		if !wall.HasDate() {
			return time.Time{}, localtime.ErrNoDate
		}
		anchor := localtime.ResolveOn(loc, wall.Year, wall.Month, wall.Day, wall.Hour, wall.Minute)
		if anchor.After(after) {
			return anchor, nil
		}
		n := int64(after.Sub(anchor)/r.Period) + 1
		return anchor.Add(time.Duration(n) * r.Period), nil

	case Cron:
		sched, err := cronParser.Parse(r.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		at := sched.Next(after.In(loc))
		if at.IsZero() {
			return time.Time{}, ErrExhausted
		}
		return at, nil

	default:
		return time.Time{}, fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}
