package platform

import (
	"context"
	"fmt"
	"github.com/spf13/afero"
	"log/slog"
	"path/filepath"
	"strings"
)

const (
	DefaultRFKillPath          = "/sys/class/rfkill"
	DefaultPlatformProfilePath = "/sys/firmware/acpi/platform_profile"

	lowPowerProfile = "low-power"
	balancedProfile = "balanced"
)

// SysFSOptions configures a SysFS platform. Empty paths use the kernel's default locations.
type SysFSOptions struct {
	RFKillPath          string
	PlatformProfilePath string
	// Fs allows tests to run against an in-memory filesystem. Defaults to the OS filesystem.
	Fs afero.Fs
}

var _ Platform = &SysFS{}

// SysFS controls a Linux host through sysfs.
//
// Flight mode maps onto rfkill: the device is in flight mode when all radios are soft-blocked.
// Power saving maps onto the ACPI platform profile: "low-power" means power saving is on.
type SysFS struct {
	fs                  afero.Fs
	rfkillPath          string
	platformProfilePath string
	logger              *slog.Logger
}

func NewSysFS(opts SysFSOptions, logger *slog.Logger) *SysFS {
	s := SysFS{
		fs:                  opts.Fs,
		rfkillPath:          opts.RFKillPath,
		platformProfilePath: opts.PlatformProfilePath,
		logger:              logger,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.rfkillPath == "" {
		s.rfkillPath = DefaultRFKillPath
	}
	if s.platformProfilePath == "" {
		s.platformProfilePath = DefaultPlatformProfilePath
	}
	return &s
}

func (s *SysFS) radios() ([]string, error) {
	return afero.Glob(s.fs, filepath.Join(s.rfkillPath, "rfkill*", "soft"))
}

func (s *SysFS) FlightMode(_ context.Context) Mode {
	radios, err := s.radios()
	if err != nil {
		s.logger.Warn("failed to list radios", "err", err)
		return ModeUnknown
	}
	if len(radios) == 0 {
		s.logger.Debug("no radios found")
		return ModeUnknown
	}
	mode := ModeOn
	for _, radio := range radios {
		value, err := s.read(radio)
		if err != nil {
			s.logger.Warn("failed to read radio state", "radio", radio, "err", err)
			return ModeUnknown
		}
		switch value {
		case "0":
			mode = ModeOff
		case "1":
		default:
			s.logger.Warn("unrecognized radio state", "radio", radio, "state", value)
			return ModeUnknown
		}
	}
	s.logger.Debug("current flight mode", "mode", mode)
	return mode
}

func (s *SysFS) SetFlightMode(_ context.Context, mode Mode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	radios, err := s.radios()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetRejected, err)
	}
	if len(radios) == 0 {
		return fmt.Errorf("%w: no radios found", ErrSetRejected)
	}
	value := map[Mode]string{ModeOn: "1", ModeOff: "0"}[mode]
	s.logger.Debug("setting flight mode", "mode", mode, "radios", len(radios))
	for _, radio := range radios {
		if err = afero.WriteFile(s.fs, radio, []byte(value), 0644); err != nil {
			s.logger.Warn("failed to set radio state", "radio", radio, "err", err)
			return fmt.Errorf("%w: %s: %w", ErrSetRejected, radio, err)
		}
	}
	return nil
}

func (s *SysFS) PowerSavingMode(_ context.Context) Mode {
	profile, err := s.read(s.platformProfilePath)
	if err != nil {
		s.logger.Warn("failed to read platform profile", "err", err)
		return ModeUnknown
	}
	var mode Mode
	switch profile {
	case lowPowerProfile, "quiet", "cool":
		mode = ModeOn
	case balancedProfile, "balanced-performance", "performance":
		mode = ModeOff
	default:
		s.logger.Warn("unrecognized platform profile", "profile", profile)
		return ModeUnknown
	}
	s.logger.Debug("current power saving mode", "mode", mode, "profile", profile)
	return mode
}

func (s *SysFS) SetPowerSavingMode(_ context.Context, mode Mode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	profile := balancedProfile
	if mode == ModeOn {
		profile = lowPowerProfile
	}
	s.logger.Debug("setting power saving mode", "mode", mode, "profile", profile)
	if err := afero.WriteFile(s.fs, s.platformProfilePath, []byte(profile), 0644); err != nil {
		s.logger.Warn("failed to set platform profile", "err", err)
		return fmt.Errorf("%w: %w", ErrSetRejected, err)
	}
	return nil
}

// NewPresenceMonitor returns an inert monitor: sysfs has no presence sensor.
func (s *SysFS) NewPresenceMonitor() PresenceMonitor {
	return &InertPresenceMonitor{}
}

func (s *SysFS) read(path string) (string, error) {
	content, err := afero.ReadFile(s.fs, path)
	return strings.TrimSpace(string(content)), err
}
