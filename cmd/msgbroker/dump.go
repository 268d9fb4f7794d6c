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
	"bufio"
	"context"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/msgbroker/adapters/repos/store"
	"github.com/weaviate/msgbroker/usecases/config"
)

// dumpStore writes every generation, record, reference and state object of
// the store as a stream of msgpack encoded entries.
func dumpStore(cfg config.Config, path string, logger logrus.FieldLogger) (err error) {
	scfg := cfg.StoreConfig()
	scfg.ColdStart = false

	st, err := store.New(scfg, logger, nil)
	if err != nil {
		return err
	}
	if err := st.Init(); err != nil {
		return err
	}
	if err := st.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		if termErr := st.Term(context.Background()); termErr != nil {
			err = multierror.Append(err, termErr).ErrorOrNil()
		}
	}()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create dump file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := msgpack.NewEncoder(w)
	entries := 0
	if err := st.Dump(func(e store.DumpEntry) error {
		entries++
		return enc.Encode(&e)
	}); err != nil {
		return errors.Wrap(err, "walk store")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "write dump file")
	}

	info, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	logger.WithField("action", "dump").
		WithField("entries", entries).
		WithField("size", humanize.Bytes(uint64(info.Size()))).
		WithField("path", path).
		Info("store dumped")
	return nil
}
