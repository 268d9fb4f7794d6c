//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package ha

import (
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Hostname = "broker-a"
	return cfg
}

func TestValidateHAConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) { c.GossipBindPort, c.AdvertiseAddr, c.BindAddr = 7946, "192.168.1.100", "0.0.0.0" },
		},
		{
			name:     "empty hostname",
			mutate:   func(c *Config) { c.Hostname = "" },
			errorMsg: "hostname cannot be empty",
		},
		{
			name:     "invalid gossip port - too low",
			mutate:   func(c *Config) { c.GossipBindPort = 1023 },
			errorMsg: "invalid GossipBindPort: 1023 (must be between 1024-65535)",
		},
		{
			name:     "invalid advertise port",
			mutate:   func(c *Config) { c.AdvertisePort = 65536 },
			errorMsg: "invalid AdvertisePort: 65536 (must be between 1024-65535)",
		},
		{
			name:     "invalid advertise address",
			mutate:   func(c *Config) { c.AdvertiseAddr = "not-an-ip" },
			errorMsg: "invalid AdvertiseAddr: not-an-ip (must be a valid IP address)",
		},
		{
			name:     "invalid chunk size",
			mutate:   func(c *Config) { c.ChunkSizeBytes = 0 },
			errorMsg: "invalid ChunkSizeBytes: 0",
		},
		{
			name:     "no mirror timeout",
			mutate:   func(c *Config) { c.MirrorTimeout = 0 },
			errorMsg: "send and mirror timeouts must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.errorMsg, err.Error())
		})
	}
}

func TestGetConfigType(t *testing.T) {
	assert.Equal(t, "LAN", getConfigType(Config{}))
	assert.Equal(t, "WAN", getConfigType(Config{AdvertiseAddr: "10.0.0.1"}))
	// localhost wins over an advertise address
	assert.Equal(t, "LOCAL", getConfigType(Config{Localhost: true, AdvertiseAddr: "10.0.0.1"}))
}

func TestConfigureMemberlistPorts(t *testing.T) {
	tests := []struct {
		name              string
		config            Config
		expectedBind      int
		expectedAdvertise int
	}{
		{
			name:              "defaults are kept",
			config:            Config{},
			expectedBind:      7946,
			expectedAdvertise: 0,
		},
		{
			name:              "bind port only",
			config:            Config{GossipBindPort: 8000},
			expectedBind:      8000,
			expectedAdvertise: 0,
		},
		{
			name:              "advertise address uses the bind port",
			config:            Config{GossipBindPort: 8000, AdvertiseAddr: "10.0.0.1"},
			expectedBind:      8000,
			expectedAdvertise: 8000,
		},
		{
			name:              "explicit advertise port",
			config:            Config{GossipBindPort: 8000, AdvertisePort: 9000},
			expectedBind:      8000,
			expectedAdvertise: 9000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &memberlist.Config{BindPort: 7946}
			configureMemberlistPorts(cfg, tt.config)
			assert.Equal(t, tt.expectedBind, cfg.BindPort)
			assert.Equal(t, tt.expectedAdvertise, cfg.AdvertisePort)
		})
	}
}

func TestConfigureMemberlistAddresses(t *testing.T) {
	cfg := &memberlist.Config{BindAddr: "0.0.0.0"}
	require.NoError(t, configureMemberlistAddresses(cfg, Config{BindAddr: "127.0.0.1", AdvertiseAddr: "10.0.0.1"}))
	assert.Equal(t, "127.0.0.1", cfg.BindAddr)
	assert.Equal(t, "10.0.0.1", cfg.AdvertiseAddr)

	cfg = &memberlist.Config{BindAddr: "0.0.0.0"}
	require.NoError(t, configureMemberlistAddresses(cfg, Config{}))
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)

	assert.Error(t, configureMemberlistAddresses(cfg, Config{BindAddr: "nope"}))
}

func TestConfigureMemberlistSettings(t *testing.T) {
	tests := []struct {
		name                    string
		config                  Config
		expectedTCPTimeout      time.Duration
		expectedSuspicionMult   int
		expectedDeadReclaimTime time.Duration
	}{
		{
			name:                    "LAN configuration with default settings",
			config:                  Config{},
			expectedTCPTimeout:      10 * time.Second,
			expectedDeadReclaimTime: 60 * time.Second,
		},
		{
			name:                    "WAN configuration",
			config:                  Config{AdvertiseAddr: "192.168.1.100"},
			expectedTCPTimeout:      30 * time.Second,
			expectedDeadReclaimTime: 60 * time.Second,
		},
		{
			name:                    "fast failure detection enabled",
			config:                  Config{FastFailureDetection: true},
			expectedTCPTimeout:      10 * time.Second,
			expectedSuspicionMult:   1,
			expectedDeadReclaimTime: 5 * time.Second,
		},
		{
			name:                    "WAN with timeout multiplier",
			config:                  Config{AdvertiseAddr: "192.168.1.100", TimeoutsMultiplier: 2},
			expectedTCPTimeout:      60 * time.Second,
			expectedDeadReclaimTime: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &memberlist.Config{}
			configureMemberlistSettings(cfg, tt.config)

			assert.Equal(t, tt.expectedTCPTimeout, cfg.TCPTimeout)
			assert.Equal(t, tt.expectedSuspicionMult, cfg.SuspicionMult)
			assert.Equal(t, tt.expectedDeadReclaimTime, cfg.DeadNodeReclaimTime)
		})
	}
}

func TestSelectMemberlistConfig(t *testing.T) {
	lan := selectMemberlistConfig(Config{})
	assert.Equal(t, 500*time.Millisecond, lan.ProbeTimeout)

	wan := selectMemberlistConfig(Config{AdvertiseAddr: "10.0.0.1"})
	assert.Equal(t, 3*time.Second, wan.ProbeTimeout)

	local := selectMemberlistConfig(Config{Localhost: true})
	assert.Equal(t, 200*time.Millisecond, local.ProbeTimeout)
	assert.Equal(t, 15*time.Second, local.PushPullInterval)
}
