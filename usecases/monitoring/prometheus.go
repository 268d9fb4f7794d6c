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

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	// store
	StorePoolBytes      *prometheus.GaugeVec
	StoreGenerations    *prometheus.GaugeVec
	StoreAlerts         *prometheus.GaugeVec
	StoreCommits        *prometheus.CounterVec
	StoreJournalBytes   prometheus.Counter
	StorePrunedRefs     prometheus.Counter
	StoreCheckpoints    *prometheus.SummaryVec
	StoreOrphansDropped *prometheus.CounterVec
	StartupDurations    *prometheus.SummaryVec
	StartupDiskIO       *prometheus.SummaryVec

	// queues
	QueuesRecovering *prometheus.GaugeVec
	QueuesLive       *prometheus.GaugeVec
	QueuesDeleted    *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec
	QueueMessages    *prometheus.CounterVec

	// recovery
	RecoveryRecords *prometheus.CounterVec

	// ha
	HARole     *prometheus.GaugeVec
	HAMessages *prometheus.CounterVec

	MetricsConnections prometheus.Gauge
}

var (
	msOnce  sync.Once
	metrics *PrometheusMetrics
)

// GetMetrics returns the process wide metrics registered with the default
// prometheus registerer.
func GetMetrics() *PrometheusMetrics {
	msOnce.Do(func() {
		metrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// NoopMetrics returns metrics that are not registered anywhere. Used when
// monitoring is disabled and in tests.
func NoopMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics(noop)
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)

	return &PrometheusMetrics{
		Registerer: reg,

		StorePoolBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_store_pool_bytes",
			Help: "Capacity and usage of the store memory pools",
		}, []string{"pool", "kind"}),
		StoreGenerations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_store_generations",
			Help: "Number of store generations per lifecycle state",
		}, []string{"state"}),
		StoreAlerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_store_alert",
			Help: "1 while the named store alert is raised",
		}, []string{"alert"}),
		StoreCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbroker_store_commits_total",
			Help: "Number of store transactions by outcome",
		}, []string{"outcome"}),
		StoreJournalBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "msgbroker_store_journal_bytes_total",
			Help: "Bytes appended to the store journal",
		}),
		StorePrunedRefs: f.NewCounter(prometheus.CounterOpts{
			Name: "msgbroker_store_pruned_references_total",
			Help: "References discarded by pruning below the minimum active order id",
		}),
		StoreCheckpoints: f.NewSummaryVec(prometheus.SummaryOpts{
			Name: "msgbroker_store_checkpoint_duration_ms",
			Help: "Duration of store checkpoints by trigger",
		}, []string{"reason"}),
		StoreOrphansDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbroker_store_orphans_dropped_total",
			Help: "References and states discarded at startup because their owner is gone",
		}, []string{"kind"}),
		StartupDurations: f.NewSummaryVec(prometheus.SummaryOpts{
			Name: "msgbroker_startup_durations_ms",
			Help: "Duration of individual startup operations",
		}, []string{"operation"}),
		StartupDiskIO: f.NewSummaryVec(prometheus.SummaryOpts{
			Name: "msgbroker_startup_diskio_throughput",
			Help: "Disk I/O throughput in bytes per second during startup",
		}, []string{"operation"}),

		QueuesRecovering: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_queues_recovering",
			Help: "Number of queues that are being rehydrated",
		}, []string{"queue_type"}),
		QueuesLive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_queues_live",
			Help: "Number of queues accepting messages",
		}, []string{"queue_type"}),
		QueuesDeleted: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_queues_deleted",
			Help: "Number of queues marked deleted and waiting to be swept",
		}, []string{"queue_type"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_queue_depth",
			Help: "Number of messages held by a queue",
		}, []string{"queue"}),
		QueueMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbroker_queue_messages_total",
			Help: "Queue message events (enqueued, dequeued, expired, discarded)",
		}, []string{"queue", "event"}),

		RecoveryRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbroker_recovery_records_total",
			Help: "Records visited during recovery by type and outcome",
		}, []string{"record_type", "outcome"}),

		HARole: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgbroker_ha_role",
			Help: "1 for the current HA role of this node",
		}, []string{"role"}),
		HAMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbroker_ha_messages_total",
			Help: "HA messages exchanged with the peer",
		}, []string{"direction", "kind"}),

		MetricsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgbroker_metrics_open_connections",
			Help: "Open connections to the metrics endpoint",
		}),
	}
}
