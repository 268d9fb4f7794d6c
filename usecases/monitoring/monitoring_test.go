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
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueLifecycleGauges(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	labels := prometheus.Labels{"queue_type": "multiConsumer"}

	m.NewRecoveringQueue("multiConsumer")
	m.NewRecoveringQueue("multiConsumer")
	m.FinishRecoveringQueue("multiConsumer")
	m.MarkQueueDeleted("multiConsumer", true)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueuesRecovering.With(labels)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueuesLive.With(labels)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueuesDeleted.With(labels)))

	m.SetQueueDepth("orders", 4)
	m.QueueEvent("orders", "enqueued", 4)
	m.SweepQueue("multiConsumer", "orders")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueuesDeleted.With(labels)))
	assert.Equal(t, 0, testutil.CollectAndCount(m.QueueDepth))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *PrometheusMetrics
	assert.NotPanics(t, func() {
		m.NewLiveQueue("simple")
		m.QueueEvent("q", "expired", 1)
		m.RecoveredRecord("Queue", "ok")
		m.SetHARole("primary", []string{"primary", "standby"})
		m.HAMessage("out", "admin")
	})
}

func TestHARole(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	m.SetHARole("standby", []string{"primary", "standby", "unsynced"})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.HARole.With(prometheus.Labels{"role": "primary"})))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HARole.With(prometheus.Labels{"role": "standby"})))
}

func TestNoopMetricsCanBeCreatedTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		NoopMetrics()
		NoopMetrics()
	})
}

func TestListenMetricsCountsScrapeConnections(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	cl, err := ListenMetrics(0, m.MetricsConnections)
	require.NoError(t, err)
	defer cl.Close()
	_, port, err := net.SplitHostPort(cl.Addr().String())
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := cl.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer client.Close()

	conn := <-accepted
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MetricsConnections))
	require.NoError(t, conn.Close())
	conn.Close()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.MetricsConnections))
}
