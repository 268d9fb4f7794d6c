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

package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weaviate/msgbroker/usecases/monitoring"
)

// Metrics is the store's view on the process metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	poolBytes        *prometheus.GaugeVec
	generations      *prometheus.GaugeVec
	alerts           *prometheus.GaugeVec
	commits          *prometheus.CounterVec
	journalBytes     prometheus.Counter
	prunedRefs       prometheus.Counter
	checkpoints      prometheus.ObserverVec
	orphans          *prometheus.CounterVec
	startupDurations prometheus.ObserverVec
	startupDiskIO    prometheus.ObserverVec
}

func NewMetrics(promMetrics *monitoring.PrometheusMetrics) *Metrics {
	if promMetrics == nil {
		return nil
	}

	return &Metrics{
		poolBytes:        promMetrics.StorePoolBytes,
		generations:      promMetrics.StoreGenerations,
		alerts:           promMetrics.StoreAlerts,
		commits:          promMetrics.StoreCommits,
		journalBytes:     promMetrics.StoreJournalBytes,
		prunedRefs:       promMetrics.StorePrunedRefs,
		checkpoints:      promMetrics.StoreCheckpoints,
		orphans:          promMetrics.StoreOrphansDropped,
		startupDurations: promMetrics.StartupDurations,
		startupDiskIO:    promMetrics.StartupDiskIO,
	}
}

func (m *Metrics) commit(outcome string) {
	if m == nil {
		return
	}

	m.commits.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) journalWritten(n int) {
	if m == nil {
		return
	}

	m.journalBytes.Add(float64(n))
}

func (m *Metrics) pruned(n int) {
	if m == nil || n == 0 {
		return
	}

	m.prunedRefs.Add(float64(n))
}

func (m *Metrics) alert(name string, on bool) {
	if m == nil || name == "" {
		return
	}

	v := 0.0
	if on {
		v = 1
	}
	m.alerts.With(prometheus.Labels{"alert": name}).Set(v)
}

func (m *Metrics) checkpoint(reason string, start time.Time) {
	if m == nil {
		return
	}

	took := float64(time.Since(start)) / float64(time.Millisecond)
	m.checkpoints.With(prometheus.Labels{"reason": reason}).Observe(took)
}

func (m *Metrics) orphansDropped(kind string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.orphans.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}

func (m *Metrics) trackStartup(operation string, start time.Time) {
	if m == nil {
		return
	}

	took := float64(time.Since(start)) / float64(time.Millisecond)
	m.startupDurations.With(prometheus.Labels{"operation": operation}).Observe(took)
}

func (m *Metrics) startupReadObserver(operation string) func(read, nanoseconds int64) {
	if m == nil {
		return nil
	}

	return func(read, nanoseconds int64) {
		if nanoseconds <= 0 {
			return
		}
		seconds := float64(nanoseconds) / float64(time.Second)
		m.startupDiskIO.With(prometheus.Labels{"operation": operation}).Observe(float64(read) / seconds)
	}
}

func (m *Metrics) updateUsage(stats Statistics, genStates map[genState]int) {
	if m == nil {
		return
	}

	m.poolBytes.With(prometheus.Labels{"pool": "mgmt_small", "kind": "total"}).Set(float64(stats.Pool1Total))
	m.poolBytes.With(prometheus.Labels{"pool": "mgmt_small", "kind": "used"}).Set(float64(stats.Pool1Used))
	m.poolBytes.With(prometheus.Labels{"pool": "mgmt_large", "kind": "total"}).Set(float64(stats.Pool2Total))
	m.poolBytes.With(prometheus.Labels{"pool": "mgmt_large", "kind": "used"}).Set(float64(stats.Pool2Used))
	m.poolBytes.With(prometheus.Labels{"pool": "data", "kind": "total"}).Set(float64(stats.DataBytesTotal))
	m.poolBytes.With(prometheus.Labels{"pool": "data", "kind": "used"}).Set(float64(stats.DataBytesUsed))

	for _, st := range []genState{genActive, genSealed, genCompacting} {
		m.generations.With(prometheus.Labels{"state": st.String()}).Set(float64(genStates[st]))
	}
}
