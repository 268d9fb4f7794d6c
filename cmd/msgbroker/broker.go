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
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/adapters/repos/engine"
	"github.com/weaviate/msgbroker/adapters/repos/store"
	enterrors "github.com/weaviate/msgbroker/entities/errors"
	"github.com/weaviate/msgbroker/usecases/config"
	"github.com/weaviate/msgbroker/usecases/config/runtime"
	"github.com/weaviate/msgbroker/usecases/ha"
	"github.com/weaviate/msgbroker/usecases/monitoring"
)

const shutdownTimeout = 30 * time.Second

type broker struct {
	cfg     config.Config
	root    *logrus.Logger
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	store *store.Store
	repl  ha.Replicator

	mu         sync.Mutex
	engine     *engine.Engine
	peerSynced bool
	promoted   chan struct{}
	promote    sync.Once
}

func newBroker(cfg config.Config, root *logrus.Logger, logger logrus.FieldLogger) *broker {
	return &broker{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		promoted: make(chan struct{}),
	}
}

func (b *broker) run(ctx context.Context) error {
	if b.cfg.Monitoring.Enabled {
		b.metrics = monitoring.GetMetrics()
		if err := b.serveMetrics(ctx); err != nil {
			return err
		}
	} else {
		b.metrics = monitoring.NoopMetrics()
	}

	if b.cfg.RuntimeOverrides.Enabled {
		cm, err := runtime.NewConfigManager(b.cfg.RuntimeOverrides.Path, config.ParseDynamic,
			b.cfg.RuntimeOverrides.LoadInterval, b.logger, b.metrics.Registerer,
			func(d *config.Dynamic) { config.ApplyDynamic(d, b.root) })
		if err != nil {
			return errors.Wrap(err, "runtime overrides")
		}
		enterrors.GoWrapper(func() { cm.Run(ctx) }, b.logger)
	}

	st, err := store.New(b.cfg.StoreConfig(), b.logger, store.NewMetrics(b.metrics))
	if err != nil {
		return err
	}
	if err := st.Init(); err != nil {
		return err
	}
	b.store = st

	if b.cfg.HA.Enabled {
		pair, err := ha.NewPair(b.cfg.HAConfig(), b.logger, b.metrics)
		if err != nil {
			return err
		}
		b.repl = pair
	} else {
		b.repl = ha.NewStandalone(b.cfg.Name)
	}
	b.repl.OnAdminMessage(func(msg []byte) {
		b.logger.WithField("action", "ha_admin_message").
			WithField("message", string(msg)).
			Info("message from HA peer")
	})

	if b.repl.View().Role != ha.RolePrimary {
		if err := b.followUntilPromoted(ctx); err != nil {
			return b.shutdown(err)
		}
	} else if err := b.store.Start(ctx); err != nil {
		return b.shutdown(errors.Wrap(err, "start store"))
	}

	if ctx.Err() == nil {
		if err := b.startEngine(ctx); err != nil {
			return b.shutdown(err)
		}
		b.repl.OnViewChange(b.primaryViewChanged)
		<-ctx.Done()
	}
	return b.shutdown(nil)
}

// followUntilPromoted keeps the store in step with the primary and returns
// once this node became the primary itself.
func (b *broker) followUntilPromoted(ctx context.Context) error {
	follower := ha.NewFollower(b.store, b.logger)
	follower.Attach(b.repl)
	b.repl.OnViewChange(func(v ha.View) {
		if v.Role == ha.RolePrimary {
			b.promote.Do(func() { close(b.promoted) })
		}
	})

	b.logger.WithField("action", "ha_standby").
		WithField("primary", b.repl.View().PrimaryName).
		Info("running as standby, waiting for a copy of the primary")

	select {
	case <-ctx.Done():
		return nil
	case <-b.promoted:
	}

	select {
	case <-follower.Synced():
	default:
		return errors.New("promoted to primary without a complete copy of the store")
	}
	b.logger.WithField("action", "ha_promote").Warn("primary lost, taking over")
	return nil
}

func (b *broker) startEngine(ctx context.Context) error {
	e, err := engine.New(b.store, b.cfg.EngineConfig(), b.logger, b.metrics)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.engine = e
	b.mu.Unlock()

	b.logger.WithField("action", "startup").
		WithField("server_uid", e.ServerUID()).
		WithField("store_id", b.store.StoreID()).
		Info("broker ready")
	return nil
}

// primaryViewChanged brings a peer that joined without a copy up to date.
// Calls are serialized by the replicator.
func (b *broker) primaryViewChanged(v ha.View) {
	if v.Role != ha.RolePrimary {
		return
	}
	if v.ActiveNodes < 2 {
		b.mu.Lock()
		b.peerSynced = false
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	done := b.peerSynced || v.SyncNodes > 1
	b.mu.Unlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := ha.SyncStandby(ctx, b.repl, b.store, b.logger); err != nil {
		b.logger.WithField("action", "ha_sync").WithError(err).
			Error("could not copy the store to the standby")
		return
	}
	b.mu.Lock()
	b.peerSynced = true
	b.mu.Unlock()

	uid := ""
	if e := b.currentEngine(); e != nil {
		uid = e.ServerUID()
	}
	if err := b.repl.SendAdminMessage(ctx, []byte("synced by "+b.cfg.Name+" server "+uid)); err != nil {
		b.logger.WithField("action", "ha_sync").WithError(err).Debug("could not notify standby")
	}
}

func (b *broker) currentEngine() *engine.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine
}

func (b *broker) shutdown(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if cause != nil {
		result = multierror.Append(result, cause)
	}
	if e := b.currentEngine(); e != nil {
		if err := e.Term(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "terminate engine"))
		}
	} else if b.store != nil {
		if err := b.store.Term(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "terminate store"))
		}
	}
	if b.repl != nil {
		if err := b.repl.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close replicator"))
		}
	}
	b.logger.WithField("action", "shutdown").Info("broker stopped")
	return result.ErrorOrNil()
}

func (b *broker) serveMetrics(ctx context.Context) error {
	l, err := monitoring.ListenMetrics(b.cfg.Monitoring.Port, b.metrics.MetricsConnections)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	enterrors.GoWrapper(func() {
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.WithField("action", "metrics_serve").WithError(err).Error("metrics server stopped")
		}
	}, b.logger)
	enterrors.GoWrapper(func() {
		<-ctx.Done()
		srv.Close()
	}, b.logger)

	b.logger.WithField("action", "metrics_serve").WithField("addr", l.Addr().String()).Info("serving metrics")
	return nil
}
