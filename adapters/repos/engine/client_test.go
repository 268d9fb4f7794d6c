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

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

func TestDurableClientSurvivesRestart(t *testing.T) {
	e := startEngine(t, t.TempDir())

	c, err := e.CreateClient("sensor-1", true, "mqtt")
	require.NoError(t, err)
	_, err = e.CreateClient("sensor-1", true, "mqtt")
	assert.ErrorIs(t, err, ErrClientExists)

	q, err := e.CreateQueue("readings", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("r1"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("r2"), InputInherit))

	cr := &clientRecorder{client: c}
	require.NoError(t, q.InitWaiter(cr))
	require.NoError(t, q.EnableWaiter(cr))
	require.Len(t, cr.got(), 2)
	assert.Equal(t, uint32(1), cr.got()[0].DeliveryID)
	assert.Equal(t, uint32(2), cr.got()[1].DeliveryID)

	require.NoError(t, c.AddUnreleasedDeliveryID(7))
	require.NoError(t, c.AddUnreleasedDeliveryID(7))

	e = restart(t, e)
	defer stopEngine(t, e)

	report := e.RecoveryReport()
	assert.Equal(t, 1, report.Clients)
	assert.Equal(t, 2, report.Deliveries)

	c, ok := e.Client("sensor-1")
	require.True(t, ok)
	assert.True(t, c.Durable)
	assert.Equal(t, "mqtt", c.Protocol)
	assert.Equal(t, []uint32{7}, c.UnreleasedDeliveryIDs())

	pending := c.PendingDeliveries()
	require.Len(t, pending, 2)
	assert.Equal(t, uint32(1), pending[0].DeliveryID)
	assert.Equal(t, "r1", string(pending[0].Message.Payload))
	assert.Equal(t, uint32(2), pending[1].DeliveryID)

	q = mustQueue(t, e, "readings")
	assert.Equal(t, 2, q.Stats().Inflight)

	ack(t, pending[0], false)
	assert.Len(t, c.PendingDeliveries(), 1)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	// new deliveries do not reuse restored ids
	require.NoError(t, q.Put(nil, persistentMsg("r3"), InputInherit))
	cr = &clientRecorder{client: c}
	require.NoError(t, q.InitWaiter(cr))
	require.NoError(t, q.EnableWaiter(cr))
	require.Len(t, cr.got(), 1)
	assert.Equal(t, uint32(3), cr.got()[0].DeliveryID)

	require.NoError(t, c.RemoveUnreleasedDeliveryID(7))
	assert.Empty(t, c.UnreleasedDeliveryIDs())
	assert.ErrorIs(t, c.RemoveUnreleasedDeliveryID(7), store.ErrNotFound)
}

func TestDestroyClientReturnsDeliveries(t *testing.T) {
	e := startEngine(t, t.TempDir())

	c, err := e.CreateClient("worker", true, "")
	require.NoError(t, err)
	q, err := e.CreateQueue("jobs", MultiConsumer, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("job"), InputInherit))

	cr := &clientRecorder{client: c}
	require.NoError(t, q.InitWaiter(cr))
	require.NoError(t, q.EnableWaiter(cr))
	require.Len(t, cr.got(), 1)

	// a durable client keeps its delivery when its consumer goes away
	require.NoError(t, q.TermWaiter(cr))
	assert.Equal(t, 1, q.Stats().Inflight)

	other := &recorder{}
	require.NoError(t, q.InitWaiter(other))
	require.NoError(t, q.EnableWaiter(other))
	assert.Empty(t, other.got())

	require.NoError(t, e.DestroyClient("worker"))
	require.Len(t, other.got(), 1)
	assert.True(t, other.got()[0].Redelivered())
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeClient))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeClientProps))
	assert.ErrorIs(t, e.DestroyClient("worker"), store.ErrNotFound)

	e = restart(t, e)
	defer stopEngine(t, e)
	_, ok := e.Client("worker")
	assert.False(t, ok)
	assert.Equal(t, 1, mustQueue(t, e, "jobs").Stats().Depth)
}

func TestNonDurableClientIsNotStored(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	c, err := e.CreateClient("web", false, "amqp")
	require.NoError(t, err)
	require.NoError(t, c.AddUnreleasedDeliveryID(3))
	assert.Equal(t, []uint32{3}, c.UnreleasedDeliveryIDs())
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeClient))

	q, err := e.CreateQueue("events", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("e1"), InputInherit))
	cr := &clientRecorder{client: c}
	require.NoError(t, q.InitWaiter(cr))
	require.NoError(t, q.EnableWaiter(cr))
	require.Len(t, cr.got(), 1)
	assert.Len(t, c.PendingDeliveries(), 1)

	// the delivery goes back with the consumer
	require.NoError(t, q.TermWaiter(cr))
	assert.Empty(t, c.PendingDeliveries())
	assert.Equal(t, 0, q.Stats().Inflight)
}

func TestRemoteServers(t *testing.T) {
	e := startEngine(t, t.TempDir())

	_, err := e.CreateRemoteServer("peer-a", "uid-a")
	require.NoError(t, err)
	_, err = e.CreateRemoteServer("peer-b", "uid-b")
	require.NoError(t, err)
	_, err = e.CreateRemoteServer("peer-a", "uid-x")
	assert.ErrorIs(t, err, store.ErrInvalidValue)

	e = restart(t, e)
	require.Len(t, e.RemoteServers(), 2)
	assert.Equal(t, "peer-a", e.RemoteServers()[0].Name)
	assert.Equal(t, "uid-a", e.RemoteServers()[0].UID)
	assert.Equal(t, 2, e.RecoveryReport().RemoteServers)

	require.NoError(t, e.DeleteRemoteServer("peer-a"))
	assert.ErrorIs(t, e.DeleteRemoteServer("peer-a"), store.ErrNotFound)

	e = restart(t, e)
	defer stopEngine(t, e)
	require.Len(t, e.RemoteServers(), 1)
	assert.Equal(t, "peer-b", e.RemoteServers()[0].Name)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeRemoteServer))
}
