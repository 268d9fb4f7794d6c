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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

type testConfig struct {
	ReapInterval time.Duration `yaml:"reap_interval"`
}

func parseTestConfig(b []byte) (*testConfig, error) {
	var c testConfig
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	replaceConfig(t, path, content)
	return path
}

// replaceConfig swaps the file in one step so that the reload loop never
// sees it half written
func replaceConfig(t *testing.T, path, content string) {
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func expectedMetrics(content string, success int) string {
	return fmt.Sprintf(`
		# HELP msgbroker_runtime_config_hash Hash value of the currently active runtime configuration
		# TYPE msgbroker_runtime_config_hash gauge
		msgbroker_runtime_config_hash{xxhash="%s"} 1
		# HELP msgbroker_runtime_config_last_load_success Whether the last loading attempt of runtime config was success
		# TYPE msgbroker_runtime_config_last_load_success gauge
		msgbroker_runtime_config_last_load_success %d
		`, strconv.FormatUint(xxhash.Sum64String(content), 16), success)
}

func TestConfigManager_loadConfig(t *testing.T) {
	log, _ := test.NewNullLogger()

	t.Run("non-exist config should fail config manager at the startup", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		_, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"), parseTestConfig, time.Second, log, reg, nil)
		require.ErrorIs(t, err, ErrFailedToOpenConfig)

		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP msgbroker_runtime_config_last_load_success Whether the last loading attempt of runtime config was success
		# TYPE msgbroker_runtime_config_last_load_success gauge
		msgbroker_runtime_config_last_load_success 0
		`)))
	})

	t.Run("invalid config should fail config manager at the startup", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		path := writeConfig(t, "reap_interval=10s")
		_, err := NewConfigManager(path, parseTestConfig, time.Second, log, reg, nil)
		require.ErrorIs(t, err, ErrFailedToParseConfig)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := NewConfigManager(" ", parseTestConfig, time.Second, log, prometheus.NewPedanticRegistry(), nil)
		require.Error(t, err)
	})

	t.Run("valid config is loaded and reported", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		content := "reap_interval: 10s"
		var seen []*testConfig
		cm, err := NewConfigManager(writeConfig(t, content), parseTestConfig, time.Second, log, reg,
			func(c *testConfig) { seen = append(seen, c) })
		require.NoError(t, err)

		cfg, err := cm.Config()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.ReapInterval)
		require.Len(t, seen, 1)
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expectedMetrics(content, 1))))
	})

	t.Run("changing config file should reload the config", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		path := writeConfig(t, "reap_interval: 10s")

		var mu sync.Mutex
		changes := 0
		cm, err := NewConfigManager(path, parseTestConfig, 10*time.Millisecond, log, reg, func(*testConfig) {
			mu.Lock()
			changes++
			mu.Unlock()
		})
		require.NoError(t, err)

		var (
			wg          sync.WaitGroup
			ctx, cancel = context.WithCancel(context.Background())
		)
		defer cancel()

		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.Run(ctx)
		}()

		content := "reap_interval: 3s"
		replaceConfig(t, path, content)
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.NoError(c, testutil.GatherAndCompare(reg, strings.NewReader(expectedMetrics(content, 1))))
		}, time.Second, 10*time.Millisecond)

		cfg, err := cm.Config()
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.ReapInterval)

		// rewriting the same content is not a change
		replaceConfig(t, path, content)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 2, changes)
		mu.Unlock()

		cancel()
		wg.Wait()
	})

	t.Run("injecting new invalid config file should keep using old valid config", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		content := "reap_interval: 10s"
		path := writeConfig(t, content)
		cm, err := NewConfigManager(path, parseTestConfig, 10*time.Millisecond, log, reg, nil)
		require.NoError(t, err)

		var (
			wg          sync.WaitGroup
			ctx, cancel = context.WithCancel(context.Background())
		)
		defer cancel()

		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.Run(ctx)
		}()

		replaceConfig(t, path, "reap_interval=10s")
		// the hash stays the one of the last valid config
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.NoError(c, testutil.GatherAndCompare(reg, strings.NewReader(expectedMetrics(content, 0))))
		}, time.Second, 10*time.Millisecond)

		cfg, err := cm.Config()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.ReapInterval)

		cancel()
		wg.Wait()
	})
}
