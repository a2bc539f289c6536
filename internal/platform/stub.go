package platform

import (
	"context"
	"log/slog"
)

var (
	_ Platform        = Stub{}
	_ ProfileSwitcher = Stub{}
)

// Stub is an inert Platform for hosts without a device-control facility, and for testing.
// Queries always return ModeUnknown. Sets and profile switches are logged and otherwise ignored.
type Stub struct {
	logger *slog.Logger
}

func NewStub(logger *slog.Logger) Stub {
	return Stub{logger: logger}
}

// log returns the stub's logger. The zero Stub logs to slog.Default().
func (s Stub) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s Stub) FlightMode(_ context.Context) Mode {
	s.log().Debug("flight mode not supported. returning unknown")
	return ModeUnknown
}

func (s Stub) SetFlightMode(_ context.Context, mode Mode) error {
	s.log().Debug("flight mode not supported. ignoring", "mode", mode)
	return nil
}

func (s Stub) PowerSavingMode(_ context.Context) Mode {
	s.log().Debug("power saving mode not supported. returning unknown")
	return ModeUnknown
}

func (s Stub) SetPowerSavingMode(_ context.Context, mode Mode) error {
	s.log().Debug("power saving mode not supported. ignoring", "mode", mode)
	return nil
}

func (s Stub) SetProfile(_ context.Context, name string) error {
	s.log().Debug("profiles not supported. ignoring", "profile", name)
	return nil
}

func (s Stub) NewPresenceMonitor() PresenceMonitor {
	return &InertPresenceMonitor{}
}
