package condition

import (
	"errors"
	"fmt"
	"github.com/clambin/go-common/set"
	"log/slog"
	"slices"
	"strings"
	"time"
)

var _ Condition = &TimeWindow{}

// TimeWindow holds during a daily time window [Start, End), optionally limited to a set of weekdays.
//
// If Start is later than End, the window wraps past midnight: 22:00-06:00 holds at 23:00 and at 02:00.
// If Start equals End, the window covers the whole day.
// The weekday filter applies to the weekday of the evaluated time, in the window's location.
type TimeWindow struct {
	base
	Start    Timestamp
	End      Timestamp
	Days     set.Set[time.Weekday]
	Location *time.Location
}

// NewTimeWindow returns a validated TimeWindow. An empty days list matches every day.
func NewTimeWindow(name string, start, end Timestamp, days []time.Weekday, location *time.Location) (*TimeWindow, error) {
	w := TimeWindow{
		base:     newBase(name),
		Start:    start,
		End:      end,
		Days:     set.New(days...),
		Location: location,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *TimeWindow) Validate() error {
	if err := w.Start.validate(); err != nil {
		return &ConfigurationError{Condition: w.name, Err: fmt.Errorf("start: %w", err)}
	}
	if err := w.End.validate(); err != nil {
		return &ConfigurationError{Condition: w.name, Err: fmt.Errorf("end: %w", err)}
	}
	if w.Location == nil {
		return &ConfigurationError{Condition: w.name, Err: errors.New("no location set")}
	}
	for day := range w.Days {
		if day < time.Sunday || day > time.Saturday {
			return &ConfigurationError{Condition: w.name, Err: fmt.Errorf("invalid weekday: %d", day)}
		}
	}
	return nil
}

func (w *TimeWindow) Evaluate(now time.Time) bool {
	w.active = w.matches(now.In(w.Location))
	return w.active
}

func (w *TimeWindow) matches(now time.Time) bool {
	if len(w.Days) > 0 && !w.Days.Contains(now.Weekday()) {
		return false
	}
	t := TimestampOf(now).Offset()
	start, end := w.Start.Offset(), w.End.Offset()
	switch {
	case start == end:
		return true
	case start < end:
		return start <= t && t < end
	default:
		return t >= start || t < end
	}
}

func (w *TimeWindow) String() string {
	text := w.Start.String() + "-" + w.End.String()
	if len(w.Days) > 0 {
		text += " (" + strings.Join(w.dayNames(), ",") + ")"
	}
	return text
}

func (w *TimeWindow) dayNames() []string {
	days := make([]time.Weekday, 0, len(w.Days))
	for day := range w.Days {
		days = append(days, day)
	}
	slices.Sort(days)
	names := make([]string, len(days))
	for i, day := range days {
		names[i] = weekdayNames[day]
	}
	return names
}

func (w *TimeWindow) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", w.name),
		slog.String("window", w.String()),
		slog.Bool("active", w.active),
	)
}

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "sun",
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
}

// ParseWeekday accepts the three-letter or full English name of a weekday, in any case.
func ParseWeekday(name string) (time.Weekday, error) {
	name = strings.ToLower(name)
	for day, short := range weekdayNames {
		if name == short || name == strings.ToLower(day.String()) {
			return day, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday: %q", name)
}
