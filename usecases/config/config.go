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
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/weaviate/msgbroker/adapters/repos/engine"
	"github.com/weaviate/msgbroker/adapters/repos/store"
	"github.com/weaviate/msgbroker/usecases/ha"
)

// DefaultConfigFile is the default file when no config file is provided
const DefaultConfigFile string = "./msgbroker.conf.yaml"

const (
	DefaultDataPath        = "./data"
	DefaultMonitoringPort  = 2112
	DefaultRuntimeInterval = 2 * time.Minute
)

// Flags are input options
type Flags struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./msgbroker.conf.yaml)"`
	ColdStart  bool   `long:"cold-start" description:"discard the content of the store directory and start empty"`
	Dump       string `long:"dump" description:"write every record of the store to this file as msgpack and exit"`

	RuntimeOverridesPath string `long:"runtime-overrides.path" description:"path to a yaml file with settings that are reloaded while running"`
}

// Config outline of the config file
type Config struct {
	Name      string `json:"name" yaml:"name"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	Persistence      Persistence      `json:"persistence" yaml:"persistence"`
	Engine           Engine           `json:"engine" yaml:"engine"`
	HA               ha.Config        `json:"ha" yaml:"ha"`
	Monitoring       Monitoring       `json:"monitoring" yaml:"monitoring"`
	RuntimeOverrides RuntimeOverrides `json:"runtime_overrides" yaml:"runtime_overrides"`
}

// Persistence holds the store settings that make sense to change per
// deployment. Zero values keep the store defaults.
type Persistence struct {
	DataPath            string        `json:"data_path" yaml:"data_path"`
	ColdStart           bool          `json:"cold_start" yaml:"cold_start"`
	TotalMemSizeBytes   uint64        `json:"total_mem_size_bytes" yaml:"total_mem_size_bytes"`
	GenerationSizeBytes uint64        `json:"generation_size_bytes" yaml:"generation_size_bytes"`
	MaxGenerations      int           `json:"max_generations" yaml:"max_generations"`
	StreamsMax          int           `json:"streams_max" yaml:"streams_max"`
	SyncPersist         bool          `json:"sync_persist" yaml:"sync_persist"`
	CheckpointInterval  time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	JournalMaxBytes     int64         `json:"journal_max_bytes" yaml:"journal_max_bytes"`
}

type Engine struct {
	ExpiryReapInterval time.Duration `json:"expiry_reap_interval" yaml:"expiry_reap_interval"`
	AckBatchSize       int           `json:"ack_batch_size" yaml:"ack_batch_size"`
}

type Monitoring struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type RuntimeOverrides struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Path         string        `json:"path" yaml:"path"`
	LoadInterval time.Duration `json:"load_interval" yaml:"load_interval"`
}

// Defaults returns the configuration used for everything that neither the
// config file, the environment nor the flags set.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Persistence: Persistence{
			DataPath: DefaultDataPath,
		},
		Engine: Engine{
			ExpiryReapInterval: engine.DefaultConfig().ExpiryReapInterval,
			AckBatchSize:       engine.DefaultConfig().AckBatchSize,
		},
		HA: ha.DefaultConfig(),
		Monitoring: Monitoring{
			Port: DefaultMonitoringPort,
		},
		RuntimeOverrides: RuntimeOverrides{
			LoadInterval: DefaultRuntimeInterval,
		},
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name cannot be empty")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, use text or json", c.LogFormat)
	}
	if err := c.StoreConfig().Validate(); err != nil {
		return errors.Wrap(err, "persistence")
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return errors.Wrap(err, "engine")
	}
	if c.HA.Enabled {
		if err := c.HAConfig().Validate(); err != nil {
			return errors.Wrap(err, "ha")
		}
	}
	if c.Monitoring.Enabled && (c.Monitoring.Port < 1 || c.Monitoring.Port > 65535) {
		return fmt.Errorf("invalid monitoring port: %d", c.Monitoring.Port)
	}
	if c.RuntimeOverrides.Enabled {
		if c.RuntimeOverrides.Path == "" {
			return errors.New("runtime overrides enabled without a path")
		}
		if c.RuntimeOverrides.LoadInterval <= 0 {
			return errors.New("runtime overrides load interval must be positive")
		}
	}
	return nil
}

// StoreConfig applies the persistence section to the store defaults.
func (c *Config) StoreConfig() store.Config {
	p := c.Persistence
	cfg := store.DefaultConfig(p.DataPath)
	cfg.ColdStart = p.ColdStart
	cfg.SyncPersist = p.SyncPersist
	if p.TotalMemSizeBytes > 0 {
		cfg.TotalMemSizeBytes = p.TotalMemSizeBytes
	}
	if p.GenerationSizeBytes > 0 {
		cfg.GenerationSizeBytes = p.GenerationSizeBytes
	}
	if p.MaxGenerations > 0 {
		cfg.MaxGenerations = p.MaxGenerations
	}
	if p.StreamsMax > 0 {
		cfg.StreamsMax = p.StreamsMax
	}
	if p.CheckpointInterval > 0 {
		cfg.CheckpointInterval = p.CheckpointInterval
	}
	if p.JournalMaxBytes > 0 {
		cfg.JournalMaxBytes = p.JournalMaxBytes
	}
	return cfg
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ExpiryReapInterval: c.Engine.ExpiryReapInterval,
		AckBatchSize:       c.Engine.AckBatchSize,
	}
}

// HAConfig is the HA section with the node name as gossip name unless
// one is set explicitly.
func (c *Config) HAConfig() ha.Config {
	cfg := c.HA
	if cfg.Hostname == "" {
		cfg.Hostname = c.Name
	}
	return cfg
}

// BrokerConfig represents the loaded configuration of one broker process
type BrokerConfig struct {
	Config Config
}

// LoadConfig from config locations. The load order for configuration values if the following
// 1. Config file
// 2. Environment variables
// 3. Command line flags
// If a config option is specified multiple times in different locations, the latest one will be used in this order.
func (f *BrokerConfig) LoadConfig(flags *Flags, logger logrus.FieldLogger) error {
	f.Config = Defaults()

	configFileName := flags.ConfigFile
	if configFileName == "" {
		configFileName = DefaultConfigFile
	}

	// a missing default file is fine, an explicitly named one must exist
	file, err := os.ReadFile(configFileName)
	if err != nil && flags.ConfigFile != "" {
		return configErr(errors.Wrapf(err, "read config file %s", configFileName))
	}

	if len(file) > 0 {
		logger.WithField("action", "config_load").
			WithField("config_file_path", configFileName).
			Info("loading config file")
		if err := f.parseConfigFile(file, configFileName); err != nil {
			return configErr(err)
		}
	}

	if err := FromEnv(&f.Config); err != nil {
		return configErr(err)
	}

	f.fromFlags(flags)

	if f.Config.Name == "" {
		f.Config.Name = defaultName()
	}

	if err := f.Config.Validate(); err != nil {
		return configErr(err)
	}
	return nil
}

// parseConfigFile decodes into the already defaulted config, so settings
// missing in the file keep their defaults.
func (f *BrokerConfig) parseConfigFile(file []byte, name string) error {
	m := regexp.MustCompile(`.*\.(\w+)$`).FindStringSubmatch(name)
	if len(m) < 2 {
		return fmt.Errorf("config file does not have a file ending, got '%s'", name)
	}

	switch m[1] {
	case "json":
		if err := json.Unmarshal(file, &f.Config); err != nil {
			return fmt.Errorf("error unmarshalling the json config file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.UnmarshalStrict(file, &f.Config); err != nil {
			return fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension '%s', use .yaml or .json", m[1])
	}
	return nil
}

// fromFlags parses values from flags given as parameter and overrides values in the config
func (f *BrokerConfig) fromFlags(flags *Flags) {
	if flags.ColdStart {
		f.Config.Persistence.ColdStart = true
	}
	if flags.RuntimeOverridesPath != "" {
		f.Config.RuntimeOverrides.Enabled = true
		f.Config.RuntimeOverrides.Path = flags.RuntimeOverridesPath
	}
}

func defaultName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "broker-" + uuid.NewString()[:8]
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
