// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// config.go - daemon configuration

// Package config implements the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veilmesh/veilmesh/trust"
)

const (
	defaultLogLevel = "NOTICE"

	// defaultDeviceDiscoveryThrottleHours is how long a bootstrap pass
	// waits before re-running device discovery for the same contact.
	defaultDeviceDiscoveryThrottleHours = 72
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := map[string]interface{}{
		"ERROR":   nil,
		"WARNING": nil,
		"NOTICE":  nil,
		"INFO":    nil,
		"DEBUG":   nil,
	}
	if _, ok := lvl[lCfg.Level]; !ok {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Trust holds the two decision thresholds of the introduction flows.
type Trust struct {
	// AutoAccept is the trust level at or above which an introduction is
	// accepted without asking the user.
	AutoAccept int

	// UserConfirmation is the trust level at or above which the user is
	// asked, rather than told to increase trust first.
	UserConfirmation int
}

// Thresholds converts the section into the protocol engine's form.
func (tCfg *Trust) Thresholds() trust.Thresholds {
	return trust.Thresholds{
		AutoAccept:       trust.Level(tCfg.AutoAccept),
		UserConfirmation: trust.Level(tCfg.UserConfirmation),
	}
}

// Bootstrap tunes the coordinator's consistency repair passes.
type Bootstrap struct {
	// DeviceDiscoveryThrottleHours is the minimum interval, in hours,
	// between bootstrapped device discoveries for the same contact.
	DeviceDiscoveryThrottleHours int
}

// DeviceDiscoveryThrottle returns the throttle window as a duration.
func (bCfg *Bootstrap) DeviceDiscoveryThrottle() time.Duration {
	return time.Duration(bCfg.DeviceDiscoveryThrottleHours) * time.Hour
}

func (bCfg *Bootstrap) applyDefaults() {
	if bCfg.DeviceDiscoveryThrottleHours <= 0 {
		bCfg.DeviceDiscoveryThrottleHours = defaultDeviceDiscoveryThrottleHours
	}
}

// Config is the top level configuration.
type Config struct {
	// DataDir is the absolute path to the daemon's state directory.
	DataDir string

	Logging   *Logging
	Trust     *Trust
	Bootstrap *Bootstrap
}

// FixupAndValidate applies defaults to missing sections and validates
// the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(cfg.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Trust == nil {
		cfg.Trust = new(Trust)
	}
	if err := cfg.Trust.Thresholds().Validate(); err != nil {
		return fmt.Errorf("config: Trust: %v", err)
	}
	if cfg.Bootstrap == nil {
		cfg.Bootstrap = new(Bootstrap)
	}
	cfg.Bootstrap.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer as a config and returns
// the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
