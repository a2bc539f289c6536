package condition

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"time"
)

// Timestamp is a time of day, with one-second resolution.
type Timestamp struct {
	Hour    int
	Minutes int
	Seconds int
}

// ParseTimestamp parses a time of day in "15:04:05" or "15:04" format.
func ParseTimestamp(value string) (Timestamp, error) {
	timestamp, err := time.Parse("15:04:05", value)
	if err != nil {
		timestamp, err = time.Parse("15:04", value)
	}
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", value)
	}
	return Timestamp{
		Hour:    timestamp.Hour(),
		Minutes: timestamp.Minute(),
		Seconds: timestamp.Second(),
	}, nil
}

// TimestampOf returns the time of day of t, in t's location.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Hour: t.Hour(), Minutes: t.Minute(), Seconds: t.Second()}
}

// Offset returns the time since midnight. Wall clock fields are used, so the result doesn't shift on DST changes.
func (t Timestamp) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minutes)*time.Minute + time.Duration(t.Seconds)*time.Second
}

func (t Timestamp) validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minutes < 0 || t.Minutes > 59 || t.Seconds < 0 || t.Seconds > 59 {
		return fmt.Errorf("invalid timestamp %02d:%02d:%02d", t.Hour, t.Minutes, t.Seconds)
	}
	return nil
}

func (t Timestamp) String() string {
	if t.Seconds == 0 {
		return fmt.Sprintf("%02d:%02d", t.Hour, t.Minutes)
	}
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minutes, t.Seconds)
}

func (t *Timestamp) UnmarshalYAML(value *yaml.Node) (err error) {
	*t, err = ParseTimestamp(value.Value)
	return err
}

func (t Timestamp) MarshalYAML() (any, error) {
	ts := time.Date(0, 0, 0, t.Hour, t.Minutes, t.Seconds, 0, time.UTC)
	return ts.Format("15:04:05"), nil
}
