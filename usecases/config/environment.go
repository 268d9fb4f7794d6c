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

package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	entcfg "github.com/weaviate/msgbroker/entities/config"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those that
// are set
func FromEnv(config *Config) error {
	if v := os.Getenv("NODE_NAME"); v != "" {
		config.Name = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}

	if err := persistenceFromEnv(&config.Persistence); err != nil {
		return err
	}
	if err := engineFromEnv(&config.Engine); err != nil {
		return err
	}
	if err := haFromEnv(config); err != nil {
		return err
	}

	if entcfg.Enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true
	}
	if err := parsePositiveInt("PROMETHEUS_MONITORING_PORT", func(v int) {
		config.Monitoring.Port = v
	}); err != nil {
		return err
	}

	if entcfg.Enabled(os.Getenv("RUNTIME_OVERRIDES_ENABLED")) {
		config.RuntimeOverrides.Enabled = true
	}
	if v := os.Getenv("RUNTIME_OVERRIDES_PATH"); v != "" {
		config.RuntimeOverrides.Path = v
	}
	if v := os.Getenv("RUNTIME_OVERRIDES_LOAD_INTERVAL"); v != "" {
		d, err := entcfg.ParseDuration("RUNTIME_OVERRIDES_LOAD_INTERVAL", v)
		if err != nil {
			return err
		}
		config.RuntimeOverrides.LoadInterval = d
	}

	return nil
}

func persistenceFromEnv(p *Persistence) error {
	if v := os.Getenv("STORE_DISK_ROOT_PATH"); v != "" {
		p.DataPath = v
	}
	if entcfg.Enabled(os.Getenv("STORE_COLD_START")) {
		p.ColdStart = true
	}
	if entcfg.Enabled(os.Getenv("STORE_SYNC_PERSIST")) {
		p.SyncPersist = true
	}
	if v := os.Getenv("STORE_TOTAL_MEM_SIZE"); v != "" {
		n, err := entcfg.ParseBytes("STORE_TOTAL_MEM_SIZE", v)
		if err != nil {
			return err
		}
		p.TotalMemSizeBytes = n
	}
	if v := os.Getenv("STORE_GENERATION_SIZE"); v != "" {
		n, err := entcfg.ParseBytes("STORE_GENERATION_SIZE", v)
		if err != nil {
			return err
		}
		p.GenerationSizeBytes = n
	}
	if v := os.Getenv("STORE_JOURNAL_MAX_SIZE"); v != "" {
		n, err := entcfg.ParseBytes("STORE_JOURNAL_MAX_SIZE", v)
		if err != nil {
			return err
		}
		p.JournalMaxBytes = int64(n)
	}
	if v := os.Getenv("STORE_CHECKPOINT_INTERVAL"); v != "" {
		d, err := entcfg.ParseDuration("STORE_CHECKPOINT_INTERVAL", v)
		if err != nil {
			return err
		}
		p.CheckpointInterval = d
	}
	if err := parsePositiveInt("STORE_MAX_GENERATIONS", func(v int) {
		p.MaxGenerations = v
	}); err != nil {
		return err
	}
	return parsePositiveInt("STORE_STREAMS_MAX", func(v int) {
		p.StreamsMax = v
	})
}

func engineFromEnv(e *Engine) error {
	if v := os.Getenv("ENGINE_EXPIRY_REAP_INTERVAL"); v != "" {
		d, err := entcfg.ParseDuration("ENGINE_EXPIRY_REAP_INTERVAL", v)
		if err != nil {
			return err
		}
		e.ExpiryReapInterval = d
	}
	return parsePositiveInt("ENGINE_ACK_BATCH_SIZE", func(v int) {
		e.AckBatchSize = v
	})
}

func haFromEnv(config *Config) error {
	if entcfg.Enabled(os.Getenv("HA_ENABLED")) {
		config.HA.Enabled = true
	}
	if v := os.Getenv("HA_HOSTNAME"); v != "" {
		config.HA.Hostname = v
	}
	if v := os.Getenv("HA_JOIN"); v != "" {
		config.HA.Join = v
	}
	if v := os.Getenv("HA_BIND_ADDR"); v != "" {
		config.HA.BindAddr = v
	}
	if v := os.Getenv("HA_ADVERTISE_ADDR"); v != "" {
		config.HA.AdvertiseAddr = v
	}
	if entcfg.Enabled(os.Getenv("HA_LOCALHOST")) {
		config.HA.Localhost = true
	}
	if entcfg.Enabled(os.Getenv("HA_FAST_FAILURE_DETECTION")) {
		config.HA.FastFailureDetection = true
	}
	if err := parsePositiveInt("HA_GOSSIP_BIND_PORT", func(v int) {
		config.HA.GossipBindPort = v
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("HA_ADVERTISE_PORT", func(v int) {
		config.HA.AdvertisePort = v
	}); err != nil {
		return err
	}
	if v := os.Getenv("HA_MIRROR_TIMEOUT"); v != "" {
		d, err := entcfg.ParseDuration("HA_MIRROR_TIMEOUT", v)
		if err != nil {
			return err
		}
		config.HA.MirrorTimeout = d
	}
	return nil
}

func parsePositiveInt(envName string, cb func(val int)) error {
	v := os.Getenv(envName)
	if v == "" {
		return nil
	}
	asInt, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s as int", envName)
	}
	if asInt <= 0 {
		return errors.Errorf("%s must be an integer greater than 0. Got: %v", envName, asInt)
	}
	cb(asInt)
	return nil
}
