package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultMaxOccurrences caps how many sessions one rule may produce.
	DefaultMaxOccurrences = 52
	// DefaultMaxMonths caps how far past the start date a rule may reach.
	DefaultMaxMonths = 12

	minDurationMinutes = 15
	maxDurationMinutes = 480
)

// ErrInvalidRule indicates the rule cannot be expanded. Use errors.As with *RuleError for details.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// RuleError lists every problem found while validating a rule, keyed by field name.
type RuleError struct {
	Problems map[string]string
}

func (e *RuleError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrInvalidRule.Error()
	}
	keys := make([]string, 0, len(e.Problems))
	for key := range e.Problems {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Problems[key])
	}
	return ErrInvalidRule.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrInvalidRule) true for every RuleError.
func (e *RuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

func (e *RuleError) add(field, reason string) {
	if e.Problems == nil {
		e.Problems = make(map[string]string)
	}
	if _, exists := e.Problems[field]; !exists {
		e.Problems[field] = reason
	}
}

// Rule is a recurring series definition. StartDate and EndDate are calendar dates; only their
// year, month and day are read. Times are "HH:MM" wall-clock values in the caller's offset.
type Rule struct {
	GroupID         string
	StartDate       time.Time
	EndDate         time.Time
	DaysOfWeek      []time.Weekday
	Times           []string
	DurationMinutes int
	// OffsetMinutes is the caller's offset east of UTC, e.g. 540 for +09:00 and -300 for -05:00.
	OffsetMinutes int

	TrainerID   string
	ClientID    string
	Location    string
	SessionType string
	Blocked     bool
	BlockReason string
}

// Draft is one expanded occurrence. Start is always in UTC.
type Draft struct {
	GroupID         string
	Start           time.Time
	DurationMinutes int
	TrainerID       string
	ClientID        string
	Location        string
	SessionType     string
	Blocked         bool
	BlockReason     string
}

// End returns Start plus the draft duration.
func (d Draft) End() time.Time {
	return d.Start.Add(time.Duration(d.DurationMinutes) * time.Minute)
}

// Truncation reports which cap stopped the expansion early.
type Truncation string

const (
	TruncatedNone        Truncation = "none"
	TruncatedOccurrences Truncation = "occurrences"
	TruncatedMonths      Truncation = "months"
)

// Result is the ordered list of drafts produced for a rule.
type Result struct {
	Drafts      []Draft
	TruncatedBy Truncation
}

// Options tunes the caps. Zero values select the defaults.
type Options struct {
	MaxOccurrences int
	MaxMonths      int
}

// Expander turns rules into drafts. It holds no mutable state and is safe for concurrent use.
type Expander struct {
	maxOccurrences int
	maxMonths      int
}

// NewExpander constructs an Expander with the provided caps.
func NewExpander(opts Options) *Expander {
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}
	if opts.MaxMonths <= 0 {
		opts.MaxMonths = DefaultMaxMonths
	}
	return &Expander{maxOccurrences: opts.MaxOccurrences, maxMonths: opts.MaxMonths}
}

// Expand runs the default expander.
func Expand(rule Rule) (Result, error) {
	return NewExpander(Options{}).Expand(rule)
}

type clockTime struct {
	hour   int
	minute int
}

// Expand walks every calendar day from StartDate to EndDate inclusive and emits one draft per
// selected weekday and time. Output is ordered by date then time. Expansion stops without error
// once the occurrence cap is reached or a day falls past StartDate plus the month cap.
func (e *Expander) Expand(rule Rule) (Result, error) {
	days, times, err := validate(rule)
	if err != nil {
		return Result{}, err
	}

	zone := time.FixedZone(zoneName(rule.OffsetMinutes), rule.OffsetMinutes*60)
	sy, sm, sd := rule.StartDate.Date()
	ey, em, ed := rule.EndDate.Date()
	first := time.Date(sy, sm, sd, 0, 0, 0, 0, zone)
	last := time.Date(ey, em, ed, 0, 0, 0, 0, zone)
	limit := first.AddDate(0, e.maxMonths, 0)

	result := Result{TruncatedBy: TruncatedNone}
	for offset := 0; ; offset++ {
		day := time.Date(sy, sm, sd+offset, 0, 0, 0, 0, zone)
		if day.After(last) {
			break
		}
		if day.After(limit) {
			result.TruncatedBy = TruncatedMonths
			break
		}
		if _, ok := days[day.Weekday()]; !ok {
			continue
		}
		for _, tod := range times {
			if len(result.Drafts) == e.maxOccurrences {
				result.TruncatedBy = TruncatedOccurrences
				return result, nil
			}
			y, m, d := day.Date()
			start := time.Date(y, m, d, tod.hour, tod.minute, 0, 0, zone)
			result.Drafts = append(result.Drafts, Draft{
				GroupID:         rule.GroupID,
				Start:           start.UTC(),
				DurationMinutes: rule.DurationMinutes,
				TrainerID:       rule.TrainerID,
				ClientID:        rule.ClientID,
				Location:        rule.Location,
				SessionType:     rule.SessionType,
				Blocked:         rule.Blocked,
				BlockReason:     rule.BlockReason,
			})
		}
	}
	return result, nil
}

func validate(rule Rule) (map[time.Weekday]struct{}, []clockTime, error) {
	problems := &RuleError{}

	days := make(map[time.Weekday]struct{}, len(rule.DaysOfWeek))
	for _, day := range rule.DaysOfWeek {
		if day < time.Sunday || day > time.Saturday {
			problems.add("daysOfWeek", fmt.Sprintf("weekday %d is out of range 0-6", day))
			continue
		}
		days[day] = struct{}{}
	}
	if len(rule.DaysOfWeek) == 0 {
		problems.add("daysOfWeek", "at least one weekday is required")
	}

	seen := make(map[clockTime]struct{}, len(rule.Times))
	times := make([]clockTime, 0, len(rule.Times))
	for _, raw := range rule.Times {
		parsed, err := parseClock(raw)
		if err != nil {
			problems.add("times", err.Error())
			continue
		}
		if _, dup := seen[parsed]; dup {
			continue
		}
		seen[parsed] = struct{}{}
		times = append(times, parsed)
	}
	if len(rule.Times) == 0 {
		problems.add("times", "at least one time of day is required")
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].hour != times[j].hour {
			return times[i].hour < times[j].hour
		}
		return times[i].minute < times[j].minute
	})

	if rule.StartDate.IsZero() {
		problems.add("startDate", "start date is required")
	}
	if rule.EndDate.IsZero() {
		problems.add("endDate", "end date is required")
	}
	if !rule.StartDate.IsZero() && !rule.EndDate.IsZero() && dateOnly(rule.EndDate).Before(dateOnly(rule.StartDate)) {
		problems.add("endDate", "end date must not be before start date")
	}
	if rule.DurationMinutes < minDurationMinutes || rule.DurationMinutes > maxDurationMinutes {
		problems.add("duration", fmt.Sprintf("duration must be between %d and %d minutes", minDurationMinutes, maxDurationMinutes))
	}
	if rule.OffsetMinutes < -14*60 || rule.OffsetMinutes > 14*60 {
		problems.add("timezoneOffsetMinutes", "offset must be within +/-14 hours")
	}

	if len(problems.Problems) > 0 {
		return nil, nil, problems
	}
	return days, times, nil
}

func parseClock(raw string) (clockTime, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return clockTime{}, fmt.Errorf("time %q must be HH:MM", raw)
	}
	return clockTime{hour: parsed.Hour(), minute: parsed.Minute()}, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func zoneName(offsetMinutes int) string {
	sign := '+'
	if offsetMinutes < 0 {
		sign = '-'
		offsetMinutes = -offsetMinutes
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, offsetMinutes/60, offsetMinutes%60)
}

// Retime moves instant to the wall-clock time hhmm on the same calendar day as seen at
// offsetMinutes east of UTC. The result is in UTC.
func Retime(instant time.Time, hhmm string, offsetMinutes int) (time.Time, error) {
	tod, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, &RuleError{Problems: map[string]string{"time": err.Error()}}
	}
	zone := time.FixedZone(zoneName(offsetMinutes), offsetMinutes*60)
	y, m, d := instant.In(zone).Date()
	return time.Date(y, m, d, tod.hour, tod.minute, 0, 0, zone).UTC(), nil
}
