// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// config_test.go - configuration tests

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/trust"
)

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	cfg, err := Load([]byte(`
DataDir = "/var/lib/veilmesh"
`))
	require.NoError(err)

	assert.Equal("NOTICE", cfg.Logging.Level)
	assert.False(cfg.Logging.Disable)
	assert.Equal(72*time.Hour, cfg.Bootstrap.DeviceDiscoveryThrottle())
	assert.Equal(trust.Thresholds{}, cfg.Trust.Thresholds())
}

func TestConfigFull(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	cfg, err := Load([]byte(`
DataDir = "/var/lib/veilmesh"

[Logging]
  Level = "DEBUG"
  File = "veilmesh.log"

[Trust]
  AutoAccept = 4
  UserConfirmation = 2

[Bootstrap]
  DeviceDiscoveryThrottleHours = 24
`))
	require.NoError(err)

	assert.Equal("DEBUG", cfg.Logging.Level)
	assert.Equal("veilmesh.log", cfg.Logging.File)
	assert.Equal(trust.Level(4), cfg.Trust.Thresholds().AutoAccept)
	assert.Equal(trust.Level(2), cfg.Trust.Thresholds().UserConfirmation)
	assert.Equal(24*time.Hour, cfg.Bootstrap.DeviceDiscoveryThrottle())
}

func TestConfigInvalid(t *testing.T) {
	assert := assert.New(t)

	_, err := Load([]byte(``))
	assert.Error(err, "missing DataDir must be rejected")

	_, err = Load([]byte(`DataDir = "relative/path"`))
	assert.Error(err, "relative DataDir must be rejected")

	_, err = Load([]byte(`
DataDir = "/var/lib/veilmesh"

[Logging]
  Level = "TRACE"
`))
	assert.Error(err, "unknown log level must be rejected")

	_, err = Load([]byte(`
DataDir = "/var/lib/veilmesh"

[Trust]
  AutoAccept = 1
  UserConfirmation = 3
`))
	assert.Error(err, "ask threshold above auto-accept must be rejected")

	_, err = Load([]byte(`
DataDir = "/var/lib/veilmesh"
NoSuchKey = true
`))
	assert.Error(err, "undecoded keys must be rejected")
}
