// Package platform maps logical device actions (flight mode, power saving, profile switching, presence monitoring)
// onto a device-control facility. A Platform is selected once at startup and shared by all rules.
package platform

import (
	"context"
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"log/slog"
	"strings"
)

var (
	// ErrSetRejected indicates the underlying facility refused a state change.
	ErrSetRejected = errors.New("state change rejected")
	// ErrInvalidMode indicates a set was requested with a mode other than ModeOn or ModeOff.
	ErrInvalidMode = errors.New("invalid mode")
)

// A Platform performs device-level actions.
//
// Queries never fail: if the state can't be determined, they log the reason and return ModeUnknown.
// Sets don't retry and don't verify the change took effect. Callers may query the state again if they need to confirm.
type Platform interface {
	FlightMode(ctx context.Context) Mode
	SetFlightMode(ctx context.Context, mode Mode) error
	PowerSavingMode(ctx context.Context) Mode
	SetPowerSavingMode(ctx context.Context, mode Mode) error
	NewPresenceMonitor() PresenceMonitor
}

// A ProfileSwitcher activates a named device profile (e.g. "silent", "general").
type ProfileSwitcher interface {
	SetProfile(ctx context.Context, name string) error
}

// Mode is the tri-state value of a binary device setting.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOff
	ModeOn
)

var modeNames = map[Mode]string{
	ModeUnknown: "unknown",
	ModeOff:     "off",
	ModeOn:      "on",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "invalid"
}

// ParseMode converts on/off/unknown (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "on", "true":
		return ModeOn, nil
	case "off", "false":
		return ModeOff, nil
	case "unknown", "":
		return ModeUnknown, nil
	default:
		return ModeUnknown, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) (err error) {
	*m, err = ParseMode(node.Value)
	return err
}

func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseMode(string(text))
	return err
}

func validMode(mode Mode) error {
	if mode != ModeOn && mode != ModeOff {
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	return nil
}

// Kind selects a Platform implementation.
type Kind string

const (
	KindStub  Kind = "stub"
	KindSysFS Kind = "sysfs"
	KindAgent Kind = "agent"
)

// Options configures the Platform returned by New. Only the fields for the selected Kind are used.
type Options struct {
	Kind  Kind
	SysFS SysFSOptions
	Agent AgentOptions
}

// New returns the Platform for the configured Kind.
func New(opts Options, logger *slog.Logger) (Platform, error) {
	switch opts.Kind {
	case KindStub, "":
		return NewStub(logger), nil
	case KindSysFS:
		return NewSysFS(opts.SysFS, logger), nil
	case KindAgent:
		return NewAgent(opts.Agent, logger)
	default:
		return nil, fmt.Errorf("unsupported platform kind: %q", opts.Kind)
	}
}
