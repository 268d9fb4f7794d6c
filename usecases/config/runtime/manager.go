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

package runtime

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyConfig         = errors.New("empty runtime config")
	ErrFailedToOpenConfig  = errors.New("failed to open runtime config")
	ErrFailedToParseConfig = errors.New("failed to parse runtime config")
)

// Parser takes care of unmarshaling a config struct
// from given raw bytes(e.g: YAML, JSON, etc).
type Parser[T any] func([]byte) (*T, error)

// ConfigManager reloads a config file every interval and on SIGHUP. The
// last config that parsed is kept when a later load fails.
type ConfigManager[T any] struct {
	path     string
	interval time.Duration
	parse    Parser[T]
	onChange func(*T)

	mu            sync.RWMutex
	currentConfig *T
	currentHash   uint64

	log             logrus.FieldLogger
	lastLoadSuccess prometheus.Gauge
	configHash      *prometheus.GaugeVec
}

// NewConfigManager loads the file once and fails if that does not work.
// onChange, if set, is called with every newly loaded config including the
// first one.
func NewConfigManager[T any](
	filepath string,
	parser Parser[T],
	interval time.Duration,
	log logrus.FieldLogger,
	r prometheus.Registerer,
	onChange func(*T),
) (*ConfigManager[T], error) {
	if len(strings.TrimSpace(filepath)) == 0 {
		return nil, errors.New("filepath to load runtime config is empty")
	}

	cm := &ConfigManager[T]{
		path:     filepath,
		parse:    parser,
		interval: interval,
		onChange: onChange,
		log:      log.WithField("component", "runtime_config"),
		lastLoadSuccess: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "msgbroker_runtime_config_last_load_success",
			Help: "Whether the last loading attempt of runtime config was success",
		}),
		configHash: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_runtime_config_hash",
			Help: "Hash value of the currently active runtime configuration",
		}, []string{"xxhash"}),
	}

	if err := cm.loadConfig(); err != nil {
		return nil, err
	}
	return cm, nil
}

// Run blocks until ctx is cancelled.
func (cm *ConfigManager[T]) Run(ctx context.Context) error {
	return cm.loop(ctx)
}

func (cm *ConfigManager[T]) Config() (*T, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.currentConfig == nil {
		return nil, ErrEmptyConfig
	}
	return cm.currentConfig, nil
}

func (cm *ConfigManager[T]) loadConfig() error {
	b, err := os.ReadFile(cm.path)
	if err != nil {
		cm.lastLoadSuccess.Set(0)
		return errors.Join(ErrFailedToOpenConfig, err)
	}

	hash := xxhash.Sum64(b)
	cm.mu.RLock()
	unchanged := cm.currentConfig != nil && hash == cm.currentHash
	cm.mu.RUnlock()
	if unchanged {
		cm.lastLoadSuccess.Set(1)
		return nil
	}

	cfg, err := cm.parse(b)
	if err != nil {
		cm.lastLoadSuccess.Set(0)
		return errors.Join(ErrFailedToParseConfig, err)
	}

	cm.mu.Lock()
	cm.currentConfig = cfg
	cm.currentHash = hash
	cm.mu.Unlock()

	cm.lastLoadSuccess.Set(1)
	cm.configHash.Reset()
	cm.configHash.WithLabelValues(strconv.FormatUint(hash, 16)).Set(1)

	if cm.onChange != nil {
		cm.onChange(cfg)
	}
	return nil
}

func (cm *ConfigManager[T]) loop(ctx context.Context) error {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ticker.C:
			if err := cm.loadConfig(); err != nil {
				cm.log.WithField("action", "runtime_config_reload").WithError(err).
					Errorf("loading runtime config every %s failed, using old config", cm.interval)
			}
		case <-sighup:
			if err := cm.loadConfig(); err != nil {
				cm.log.WithField("action", "runtime_config_reload").WithError(err).
					Error("loading runtime config through SIGHUP failed, using old config")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
