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
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
)

type Config struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Hostname       string `json:"hostname" yaml:"hostname"`
	GossipBindPort int    `json:"gossipBindPort" yaml:"gossipBindPort"`
	BindAddr       string `json:"bindAddr" yaml:"bindAddr"`
	AdvertiseAddr  string `json:"advertiseAddr" yaml:"advertiseAddr"`
	AdvertisePort  int    `json:"advertisePort" yaml:"advertisePort"`
	// comma separated gossip addresses of the peer
	Join      string `json:"join" yaml:"join"`
	Localhost bool   `json:"localhost" yaml:"localhost"`

	FastFailureDetection bool `json:"fastFailureDetection" yaml:"fastFailureDetection"`
	TimeoutsMultiplier   int  `json:"timeoutsMultiplier" yaml:"timeoutsMultiplier"`

	ChunkSizeBytes int           `json:"chunkSizeBytes" yaml:"chunkSizeBytes"`
	SendTimeout    time.Duration `json:"sendTimeout" yaml:"sendTimeout"`
	// commits wait at most this long for a frame to reach the standby
	MirrorTimeout time.Duration `json:"mirrorTimeout" yaml:"mirrorTimeout"`
}

func DefaultConfig() Config {
	return Config{
		TimeoutsMultiplier: 1,
		ChunkSizeBytes:     1 << 20,
		SendTimeout:        30 * time.Second,
		MirrorTimeout:      2 * time.Second,
	}
}

func validatePort(name string, port int) error {
	if port != 0 && (port < 1024 || port > 65535) {
		return fmt.Errorf("invalid %s: %d (must be between 1024-65535)", name, port)
	}
	return nil
}

func validateAddr(name, addr string) error {
	if addr != "" && net.ParseIP(addr) == nil {
		return fmt.Errorf("invalid %s: %s (must be a valid IP address)", name, addr)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname cannot be empty")
	}
	if err := validatePort("GossipBindPort", c.GossipBindPort); err != nil {
		return err
	}
	if err := validatePort("AdvertisePort", c.AdvertisePort); err != nil {
		return err
	}
	if err := validateAddr("AdvertiseAddr", c.AdvertiseAddr); err != nil {
		return err
	}
	if err := validateAddr("BindAddr", c.BindAddr); err != nil {
		return err
	}
	if c.ChunkSizeBytes < 1 {
		return fmt.Errorf("invalid ChunkSizeBytes: %d", c.ChunkSizeBytes)
	}
	if c.SendTimeout <= 0 || c.MirrorTimeout <= 0 {
		return errors.New("send and mirror timeouts must be positive")
	}
	return nil
}

func getConfigType(c Config) string {
	switch {
	case c.Localhost:
		return "LOCAL"
	case c.AdvertiseAddr != "":
		return "WAN"
	default:
		return "LAN"
	}
}

func selectMemberlistConfig(c Config) *memberlist.Config {
	switch getConfigType(c) {
	case "LOCAL":
		return memberlist.DefaultLocalConfig()
	case "WAN":
		return memberlist.DefaultWANConfig()
	default:
		return memberlist.DefaultLANConfig()
	}
}

func configureMemberlistPorts(cfg *memberlist.Config, c Config) {
	if c.GossipBindPort != 0 {
		cfg.BindPort = c.GossipBindPort
	}
	switch {
	case c.AdvertisePort != 0:
		cfg.AdvertisePort = c.AdvertisePort
	case c.AdvertiseAddr != "":
		cfg.AdvertisePort = cfg.BindPort
	}
}

func configureMemberlistAddresses(cfg *memberlist.Config, c Config) error {
	if err := validateAddr("BindAddr", c.BindAddr); err != nil {
		return err
	}
	if err := validateAddr("AdvertiseAddr", c.AdvertiseAddr); err != nil {
		return err
	}
	if c.BindAddr != "" {
		cfg.BindAddr = c.BindAddr
	}
	if c.AdvertiseAddr != "" {
		cfg.AdvertiseAddr = c.AdvertiseAddr
	}
	return nil
}

func configureMemberlistSettings(cfg *memberlist.Config, c Config) {
	mult := c.TimeoutsMultiplier
	if mult < 1 {
		mult = 1
	}
	tcp := 10 * time.Second
	if getConfigType(c) == "WAN" {
		tcp = 30 * time.Second
	}
	cfg.TCPTimeout = tcp * time.Duration(mult)
	cfg.DeadNodeReclaimTime = 60 * time.Second
	if c.FastFailureDetection {
		cfg.SuspicionMult = 1
		cfg.DeadNodeReclaimTime = 5 * time.Second
	}
}
