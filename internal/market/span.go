package market

import (
	"fmt"
	"strings"
	"time"
)

// Span is the aggregation period of a bar.
type Span int

const (
	SpanSecond Span = iota
	SpanMinute
	SpanHour
	SpanDay
	SpanWeek
	SpanMonth
	SpanQuarter
	SpanYear
)

type spanRule struct {
	label    string
	duration time.Duration // zero for day and wider spans
	step     func(time.Time) time.Time
}

func stepDays(n int) func(time.Time) time.Time {
	return func(t time.Time) time.Time { return t.AddDate(0, 0, n) }
}

func stepMonths(n int) func(time.Time) time.Time {
	return func(t time.Time) time.Time { return t.AddDate(0, n, 0) }
}

// spanRules is the single source of truth for bucket stepping: sub-day bars
// bucket by calendar day, the rest by their own period.
var spanRules = map[Span]spanRule{
	SpanSecond:  {label: "second", duration: time.Second, step: stepDays(1)},
	SpanMinute:  {label: "minute", duration: time.Minute, step: stepDays(1)},
	SpanHour:    {label: "hour", duration: time.Hour, step: stepDays(1)},
	SpanDay:     {label: "day", step: stepDays(1)},
	SpanWeek:    {label: "week", step: stepDays(7)},
	SpanMonth:   {label: "month", step: stepMonths(1)},
	SpanQuarter: {label: "quarter", step: stepMonths(3)},
	SpanYear:    {label: "year", step: func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

func (s Span) rule() spanRule {
	if r, ok := spanRules[s]; ok {
		return r
	}
	return spanRules[SpanDay]
}

func (s Span) String() string { return s.rule().label }

// Duration is the fixed bar length for sub-day spans; zero otherwise.
func (s Span) Duration() time.Duration { return s.rule().duration }

// Step advances a bucket date by one bucket of this span.
func (s Span) Step(date time.Time) time.Time { return s.rule().step(date) }

// Intraday reports whether bars of this span are shorter than a session.
func (s Span) Intraday() bool { return s.Duration() > 0 }

// ParseSpan maps a config label to its span.
func ParseSpan(input string) (Span, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	for span, r := range spanRules {
		if r.label == key {
			return span, nil
		}
	}
	return 0, fmt.Errorf("unknown bar span: %s", input)
}

// MarshalJSON stores the label so cache files stay self-describing.
func (s Span) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Span) UnmarshalJSON(b []byte) error {
	parsed, err := ParseSpan(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
