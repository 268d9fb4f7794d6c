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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/usecases/config"
)

func main() {
	var opts config.Flags
	logger := logrus.New()

	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		logger.WithError(err).Fatal("failed to parse command line args")
	}

	var bc config.BrokerConfig
	if err := bc.LoadConfig(&opts, logger); err != nil {
		logger.WithField("action", "startup").WithError(err).Fatal("could not load config")
	}
	configureLogger(logger, bc.Config)
	log := logger.WithField("app", "msgbroker").WithField("node", bc.Config.Name)

	if opts.Dump != "" {
		if err := dumpStore(bc.Config, opts.Dump, log); err != nil {
			log.WithField("action", "dump").WithError(err).Fatal("could not dump store")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newBroker(bc.Config, logger, log).run(ctx); err != nil {
		log.WithField("action", "shutdown").WithError(err).Fatal("broker stopped with error")
	}
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
