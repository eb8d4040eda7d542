// Package cronx computes cron fire times for schedules. It wraps
// robfig/cron's standard 5-field parser with per-field validation so
// malformed expressions report the offending field, and exposes fire
// times as a lazy, restartable sequence.
package cronx

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomery/loom/pkg/schema"
)

// Engine parses cron expressions and computes fire times.
// Safe for concurrent use; the underlying parser is stateless.
type Engine struct {
	parser cron.Parser
}

// New creates an Engine for standard 5-field expressions
// (minute, hour, day-of-month, month, day-of-week).
func New() *Engine {
	return &Engine{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Schedule is a parsed, validated cron expression.
type Schedule struct {
	Expression string
	inner      cron.Schedule
}

// fieldSpec names each of the 5 cron fields and its numeric range.
type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse validates and parses a 5-field cron expression. Errors name the
// offending field and carry ErrCodeValidation.
func (e *Engine) Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cron expression %q must have 5 fields (minute hour day-of-month month day-of-week), got %d", expr, len(fields))
	}

	for i, field := range fields {
		if err := validateField(fieldSpecs[i], field); err != nil {
			return nil, err
		}
	}

	parsed, err := e.parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return &Schedule{Expression: expr, inner: parsed}, nil
}

// validateField checks one cron field: *, single value, comma list,
// range (a-b), and step (*/n or a-b/n). Name tokens (JAN, MON, ...) are
// left for the underlying parser to judge.
func validateField(spec fieldSpec, field string) error {
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s field %q: empty list item", spec.name, field)
		}

		base := item
		if slash := strings.IndexByte(item, '/'); slash != -1 {
			base = item[:slash]
			step := item[slash+1:]
			n, err := strconv.Atoi(step)
			if err != nil || n <= 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s field %q: step %q must be a positive integer", spec.name, field, step)
			}
		}

		if base == "*" {
			continue
		}

		lo, hi := base, base
		if dash := strings.IndexByte(base, '-'); dash != -1 {
			lo, hi = base[:dash], base[dash+1:]
		}

		loVal, loErr := strconv.Atoi(lo)
		hiVal, hiErr := strconv.Atoi(hi)
		if loErr != nil || hiErr != nil {
			// Non-numeric token (month/weekday name); the parser validates those.
			continue
		}
		if loVal < spec.min || loVal > spec.max || hiVal < spec.min || hiVal > spec.max {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s field %q: value out of range [%d, %d]", spec.name, field, spec.min, spec.max)
		}
		if loVal > hiVal {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s field %q: range start %d after end %d", spec.name, field, loVal, hiVal)
		}
	}
	return nil
}

// LoadLocation resolves an IANA timezone name, reporting ErrCodeValidation
// for unknown zones.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", tz).WithCause(err)
	}
	return loc, nil
}

// Sequence lazily yields strictly increasing fire times for a schedule in
// a fixed timezone. It is restartable: constructing a new Sequence with a
// later `from` continues the same schedule.
//
// Time math happens in the schedule's declared timezone. Across DST
// transitions a skipped wall-clock minute resolves to the next valid
// instant, and a repeated wall-clock minute fires once, at the first
// occurrence.
type Sequence struct {
	sched cron.Schedule
	loc   *time.Location
	cur   time.Time
	last  time.Time
}

// Sequence returns a fire-time sequence for the schedule starting strictly
// after `from`, computed in loc.
func (s *Schedule) Sequence(loc *time.Location, from time.Time) *Sequence {
	if loc == nil {
		loc = time.UTC
	}
	return &Sequence{sched: s.inner, loc: loc, cur: from.In(loc)}
}

// Next advances the sequence and returns the next fire time.
// A zero time means the schedule never fires again.
func (q *Sequence) Next() time.Time {
	next := q.sched.Next(q.cur)
	// During a fall-back transition the same wall-clock minute occurs twice
	// and the underlying matcher would fire on both instants. Keep only the
	// first occurrence.
	for !next.IsZero() && !q.last.IsZero() && sameWallMinute(q.last, next, q.loc) {
		next = q.sched.Next(next)
	}
	q.cur = next
	q.last = next
	return next
}

func sameWallMinute(a, b time.Time, loc *time.Location) bool {
	if a.Equal(b) {
		return false
	}
	aw, bw := a.In(loc), b.In(loc)
	return aw.Year() == bw.Year() && aw.Month() == bw.Month() && aw.Day() == bw.Day() &&
		aw.Hour() == bw.Hour() && aw.Minute() == bw.Minute()
}

// Next computes the single next fire time for expr in tz, strictly after from.
func (e *Engine) Next(expr, tz string, from time.Time) (time.Time, error) {
	parsed, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Sequence(loc, from).Next(), nil
}

// Preview returns up to count upcoming fire times for expr in tz, strictly
// increasing, starting after from. It shares the Sequence logic with Next so
// previewing never diverges from dispatch.
func (e *Engine) Preview(expr, tz string, from time.Time, count int) ([]time.Time, error) {
	parsed, err := e.Parse(expr)
	if err != nil {
		return nil, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}

	seq := parsed.Sequence(loc, from)
	times := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		next := seq.Next()
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times, nil
}
