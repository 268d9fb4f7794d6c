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
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

func Enabled(value string) bool {
	switch strings.ToLower(value) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}

// ParseBytes accepts plain byte counts as well as sizes like "64MiB" or
// "1 GB".
func ParseBytes(name, value string) (uint64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s as byte size", name)
	}
	return n, nil
}

func ParseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s as duration", name)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative, got %s", name, value)
	}
	return d, nil
}
