// Package cronexpr validates 5-field cron expressions and answers
// "when next" and "is it due" questions. All functions are pure; comparisons
// happen in UTC and only results are converted to a caller's location.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoNextRun is returned when an expression never matches within the
	// parser's search horizon (e.g. "0 0 30 2 *").
	ErrNoNextRun = errors.New("cron expression never fires")
)

const fieldCount = 5

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parsed schedules keyed by expression; expressions are immutable so entries never go stale.
var cache sync.Map // map[string]cron.Schedule

// Parse returns the schedule for expr or an error wrapping ErrInvalidExpression.
//
// Accepted grammar per field: values, ranges (a-b), steps (*/n, a-b/n), lists
// (a,b) and "*". Month and weekday names are accepted as robfig/cron does.
// Weekday 7 means Sunday, as in Vixie cron. Descriptors (@daily), seconds,
// "?" and timezone prefixes are rejected.
func Parse(expr string) (cron.Schedule, error) {
	if v, ok := cache.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(fields))
	}
	for i, f := range fields {
		if err := checkFieldChars(f); err != nil {
			return nil, fmt.Errorf("%w: field %d %q: %v", ErrInvalidExpression, i+1, f, err)
		}
	}
	fields[4] = sundayAsZero(fields[4])
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	cache.Store(expr, sched)
	return sched, nil
}

// sundayAsZero rewrites weekday 7 to 0, which is the only Sunday robfig/cron
// accepts. "7" becomes "0" and a range ending in 7 ("5-7") becomes "5-6,0".
// Stepped parts are left alone.
func sundayAsZero(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		switch lo, hi, isRange := strings.Cut(p, "-"); {
		case strings.Contains(p, "/"):
			out = append(out, p)
		case p == "7":
			out = append(out, "0")
		case isRange && hi == "7" && lo == "7":
			out = append(out, "0")
		case isRange && hi == "7":
			out = append(out, lo+"-6", "0")
		default:
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func checkFieldChars(f string) error {
	for _, r := range f {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '*', r == ',', r == '-', r == '/':
		default:
			return fmt.Errorf("unexpected character %q", r)
		}
	}
	return nil
}

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// NextRun returns the earliest matching instant strictly after from,
// expressed in loc (nil means UTC).
func NextRun(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoNextRun, expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	return next.In(loc), nil
}

// IsDue reports whether at least one scheduled instant falls in (lastRun, now].
// Any number of missed instants yields a single true; callers run once and
// advance lastRun, which collapses the backlog.
func IsDue(expr string, lastRun, now time.Time) (bool, error) {
	sched, err := Parse(expr)
	if err != nil {
		return false, err
	}
	next := sched.Next(lastRun.UTC())
	if next.IsZero() {
		return false, nil
	}
	return !next.After(now.UTC()), nil
}

// LatestDue returns the most recent scheduled instant in (lastRun, now], or
// zero when none exists. The scheduler records it as the trigger time.
func LatestDue(expr string, lastRun, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	lastRun = lastRun.UTC()
	// Widen a look-back window until it contains an instant, then walk
	// forward inside it. Keeps minutely schedules with an ancient lastRun cheap.
	for _, w := range lookBack {
		from := now.Add(-w)
		if from.Before(lastRun) {
			from = lastRun
		}
		var latest time.Time
		for t := sched.Next(from); !t.IsZero() && !t.After(now); t = sched.Next(t) {
			latest = t
		}
		if !latest.IsZero() || from.Equal(lastRun) {
			return latest, nil
		}
	}
	return time.Time{}, nil
}

var lookBack = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	366 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// Preview lists the next n run instants after from, in loc.
func Preview(expr string, from time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for range n {
		next, err := NextRun(expr, t, loc)
		if err != nil {
			if len(out) > 0 && errors.Is(err, ErrNoNextRun) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}
