package manager

import (
	"fmt"
	"github.com/clambin/profilematic/internal/platform"
	"gopkg.in/yaml.v3"
	"log/slog"
	"strings"
)

// Target is the requested state of a binary device setting.
type Target int

const (
	Unchanged Target = iota
	On
	Off
)

var targetNames = map[Target]string{
	Unchanged: "unchanged",
	On:        "on",
	Off:       "off",
}

func (t Target) String() string {
	return targetNames[t]
}

func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "", "unchanged":
		return Unchanged, nil
	case "on", "true":
		return On, nil
	case "off", "false":
		return Off, nil
	default:
		return Unchanged, fmt.Errorf("invalid target: %q", s)
	}
}

// Mode returns the platform mode for the target. Unchanged has no platform mode.
func (t Target) Mode() platform.Mode {
	switch t {
	case On:
		return platform.ModeOn
	case Off:
		return platform.ModeOff
	default:
		return platform.ModeUnknown
	}
}

func (t *Target) UnmarshalYAML(node *yaml.Node) (err error) {
	*t, err = ParseTarget(node.Value)
	return err
}

func (t Target) MarshalYAML() (any, error) {
	return t.String(), nil
}

// An ActionSet is the set of changes applied when a condition changes state. Empty fields leave the setting as it is.
type ActionSet struct {
	Profile     string `yaml:"profile,omitempty"`
	FlightMode  Target `yaml:"flightMode,omitempty"`
	PowerSaving Target `yaml:"powerSaving,omitempty"`
	Presence    Target `yaml:"presence,omitempty"`
}

// IsZero reports whether the ActionSet changes nothing.
func (a ActionSet) IsZero() bool {
	return a == ActionSet{}
}

// Merge returns a copy of a, with every field that o sets overriding a's value.
func (a ActionSet) Merge(o ActionSet) ActionSet {
	if o.Profile != "" {
		a.Profile = o.Profile
	}
	if o.FlightMode != Unchanged {
		a.FlightMode = o.FlightMode
	}
	if o.PowerSaving != Unchanged {
		a.PowerSaving = o.PowerSaving
	}
	if o.Presence != Unchanged {
		a.Presence = o.Presence
	}
	return a
}

func (a ActionSet) String() string {
	parts := make([]string, 0, 4)
	if a.Profile != "" {
		parts = append(parts, "profile="+a.Profile)
	}
	if a.FlightMode != Unchanged {
		parts = append(parts, "flightMode="+a.FlightMode.String())
	}
	if a.PowerSaving != Unchanged {
		parts = append(parts, "powerSaving="+a.PowerSaving.String())
	}
	if a.Presence != Unchanged {
		parts = append(parts, "presence="+a.Presence.String())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

func (a ActionSet) LogValue() slog.Value {
	return slog.StringValue(a.String())
}
