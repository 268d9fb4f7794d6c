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
	"strings"

	"github.com/sirupsen/logrus"
)

// logWriter turns memberlist's log lines into logrus entries of the
// matching level.
type logWriter struct {
	logger logrus.FieldLogger
}

func newLogWriter(logger logrus.FieldLogger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	l := w.logger.WithField("action", "memberlist")
	switch {
	case strings.Contains(line, "[ERR]"):
		l.Error(line)
	case strings.Contains(line, "[WARN]"):
		l.Warn(line)
	case strings.Contains(line, "[INFO]"):
		l.Info(line)
	default:
		l.Debug(line)
	}
	return len(p), nil
}
