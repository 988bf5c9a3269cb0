package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Event is a session boundary notification type.
type Event int

const (
	EventPreOpen Event = iota
	EventOpen
	EventPreClose
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventPreOpen:
		return "pre_open"
	case EventOpen:
		return "open"
	case EventPreClose:
		return "pre_close"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Session is one trading day. PreOpen/PreClose may be zero when the venue
// has no auction phases (crypto).
type Session struct {
	Date     time.Time
	PreOpen  time.Time
	Open     time.Time
	PreClose time.Time
	Close    time.Time
}

// Boundaries lists the session's non-zero boundaries in dispatch order.
func (s Session) Boundaries() []Boundary {
	out := make([]Boundary, 0, 4)
	add := func(ev Event, at time.Time) {
		if !at.IsZero() {
			out = append(out, Boundary{Event: ev, At: at})
		}
	}
	add(EventPreOpen, s.PreOpen)
	add(EventOpen, s.Open)
	add(EventPreClose, s.PreClose)
	add(EventClose, s.Close)
	return out
}

// Boundary is one concrete session boundary instant.
type Boundary struct {
	Event Event
	At    time.Time
}

// Calendar is an ordered list of sessions.
type Calendar []Session

func (c Calendar) sorted() Calendar {
	out := append(Calendar{}, c...)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// CloseForPeriod returns the close of the last session starting before end.
// Used to anchor day-and-wider bars to a dispatchable close time.
func (c Calendar) CloseForPeriod(start, end time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, s := range c {
		if s.Date.Before(end) && !s.Date.Before(start) && !s.Close.IsZero() {
			if !found || s.Close.After(best) {
				best = s.Close
				found = true
			}
		}
	}
	return best, found
}

// Boundaries flattens the calendar into time-ordered boundary instants.
func (c Calendar) Boundaries() []Boundary {
	var out []Boundary
	for _, s := range c.sorted() {
		out = append(out, s.Boundaries()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// CalendarSpec describes session hours declaratively; Sessions materializes
// weekday sessions over a range, skipping listed holidays.
type CalendarSpec struct {
	Timezone string   `yaml:"timezone"`
	PreOpen  string   `yaml:"pre_open"`
	Open     string   `yaml:"open"`
	PreClose string   `yaml:"pre_close"`
	Close    string   `yaml:"close"`
	Holidays []string `yaml:"holidays"`
}

// LoadCalendarSpec reads a YAML calendar description.
func LoadCalendarSpec(path string) (*CalendarSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec CalendarSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing calendar file failed (%s): %w", path, err)
	}
	if spec.Open == "" || spec.Close == "" {
		return nil, fmt.Errorf("calendar file %s must set open and close", path)
	}
	return &spec, nil
}

// Sessions generates the calendar for [from, to) civil dates.
func (cs *CalendarSpec) Sessions(from, to time.Time) (Calendar, error) {
	loc := time.UTC
	if cs.Timezone != "" {
		parsed, err := time.LoadLocation(cs.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid calendar timezone %s: %w", cs.Timezone, err)
		}
		loc = parsed
	}
	holidays := make(map[string]bool, len(cs.Holidays))
	for _, h := range cs.Holidays {
		holidays[strings.TrimSpace(h)] = true
	}
	var cal Calendar
	for date := from; date.Before(to); date = date.AddDate(0, 0, 1) {
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if holidays[date.Format("2006-01-02")] {
			continue
		}
		sess := Session{Date: date}
		var err error
		if sess.Open, err = atClock(date, cs.Open, loc); err != nil {
			return nil, err
		}
		if sess.Close, err = atClock(date, cs.Close, loc); err != nil {
			return nil, err
		}
		if cs.PreOpen != "" {
			if sess.PreOpen, err = atClock(date, cs.PreOpen, loc); err != nil {
				return nil, err
			}
		}
		if cs.PreClose != "" {
			if sess.PreClose, err = atClock(date, cs.PreClose, loc); err != nil {
				return nil, err
			}
		}
		cal = append(cal, sess)
	}
	return cal, nil
}

func atClock(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid session time %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}
