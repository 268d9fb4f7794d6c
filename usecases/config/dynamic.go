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
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Dynamic are the settings of the runtime overrides file. They are picked
// up while the broker runs.
type Dynamic struct {
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// ParseDynamic decodes and checks a runtime overrides file.
func ParseDynamic(b []byte) (*Dynamic, error) {
	var d Dynamic
	if err := yaml.UnmarshalStrict(b, &d); err != nil {
		return nil, err
	}
	if d.LogLevel != "" {
		if _, err := logrus.ParseLevel(d.LogLevel); err != nil {
			return nil, errors.Wrap(err, "log_level")
		}
	}
	return &d, nil
}

// ApplyDynamic changes the level of logger when the overrides name one.
func ApplyDynamic(d *Dynamic, logger *logrus.Logger) {
	if d.LogLevel == "" {
		return
	}
	level, err := logrus.ParseLevel(d.LogLevel)
	if err != nil {
		return
	}
	if logger.GetLevel() != level {
		logger.SetLevel(level)
		logger.WithField("action", "runtime_config_apply").
			WithField("log_level", level.String()).
			Info("log level changed")
	}
}
