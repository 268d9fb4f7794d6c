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

import "github.com/prometheus/client_golang/prometheus"

// Register a queue that is being rehydrated from the store
func (pm *PrometheusMetrics) NewRecoveringQueue(queueType string) {
	if pm == nil {
		return
	}

	pm.QueuesRecovering.With(prometheus.Labels{"queue_type": queueType}).Inc()
}

// Move the queue from recovering to live
func (pm *PrometheusMetrics) FinishRecoveringQueue(queueType string) {
	if pm == nil {
		return
	}

	pm.QueuesRecovering.With(prometheus.Labels{"queue_type": queueType}).Dec()
	pm.QueuesLive.With(prometheus.Labels{"queue_type": queueType}).Inc()
}

// Register a queue created at runtime
func (pm *PrometheusMetrics) NewLiveQueue(queueType string) {
	if pm == nil {
		return
	}

	pm.QueuesLive.With(prometheus.Labels{"queue_type": queueType}).Inc()
}

// Move the queue from live (or recovering) to deleted
func (pm *PrometheusMetrics) MarkQueueDeleted(queueType string, wasRecovering bool) {
	if pm == nil {
		return
	}

	if wasRecovering {
		pm.QueuesRecovering.With(prometheus.Labels{"queue_type": queueType}).Dec()
	} else {
		pm.QueuesLive.With(prometheus.Labels{"queue_type": queueType}).Dec()
	}
	pm.QueuesDeleted.With(prometheus.Labels{"queue_type": queueType}).Inc()
}

// The queue was physically removed
func (pm *PrometheusMetrics) SweepQueue(queueType, queueName string) {
	if pm == nil {
		return
	}

	pm.QueuesDeleted.With(prometheus.Labels{"queue_type": queueType}).Dec()
	pm.QueueDepth.DeletePartialMatch(prometheus.Labels{"queue": queueName})
	pm.QueueMessages.DeletePartialMatch(prometheus.Labels{"queue": queueName})
}

func (pm *PrometheusMetrics) QueueEvent(queueName, event string, n int) {
	if pm == nil || n <= 0 {
		return
	}

	pm.QueueMessages.With(prometheus.Labels{"queue": queueName, "event": event}).Add(float64(n))
}

func (pm *PrometheusMetrics) SetQueueDepth(queueName string, depth int) {
	if pm == nil {
		return
	}

	pm.QueueDepth.With(prometheus.Labels{"queue": queueName}).Set(float64(depth))
}

func (pm *PrometheusMetrics) RecoveredRecord(recordType, outcome string) {
	if pm == nil {
		return
	}

	pm.RecoveryRecords.With(prometheus.Labels{"record_type": recordType, "outcome": outcome}).Inc()
}

// SetHARole flags role with 1 and every other known role with 0.
func (pm *PrometheusMetrics) SetHARole(role string, known []string) {
	if pm == nil {
		return
	}

	for _, r := range known {
		v := 0.0
		if r == role {
			v = 1
		}
		pm.HARole.With(prometheus.Labels{"role": r}).Set(v)
	}
}

func (pm *PrometheusMetrics) HAMessage(direction, kind string) {
	if pm == nil {
		return
	}

	pm.HAMessages.With(prometheus.Labels{"direction": direction, "kind": kind}).Inc()
}
