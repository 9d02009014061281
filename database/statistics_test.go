package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygraph-incubator/tinygraph/config"
)

func commitWrites(t *testing.T, s *Session, keys ...string) {
	for _, k := range keys {
		txn := begin(t, s, TransactionWrite)
		require.Nil(t, txn.DataStorage().Put([]byte(k), []byte(k), true))
		require.Nil(t, txn.Commit())
	}
}

func TestStatisticsCompensatorRemovesMarkers(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	s := createSession(t, d, SessionData)

	// An older open write holds the commits back from collection.
	holder := begin(t, s, TransactionWrite)
	commitWrites(t, s, "a", "b", "c")
	n, err := d.committedMarkers()
	require.Nil(t, err)
	assert.Equal(t, 3, n)
	snapshot, err := d.StatisticsSnapshot()
	require.Nil(t, err)
	assert.Equal(t, int64(0), snapshot)

	require.Nil(t, holder.Close())
	require.Eventually(t, func() bool {
		n, err := d.committedMarkers()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	snapshot, err = d.StatisticsSnapshot()
	require.Nil(t, err)
	assert.GreaterOrEqual(t, snapshot, int64(1))
	require.Eventually(t, func() bool {
		return d.ConsistencyManager().EventCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatisticsCompensatorWaitsForSchemaSession(t *testing.T) {
	c := config.NewTestConfig()
	c.StatisticsInterval = config.NewDuration(5 * time.Millisecond)
	d := newTestDatabase(t, c)
	data := createSession(t, d, SessionData)
	commitWrites(t, data, "a")

	// The write may be collected before the schema session takes the lock, so
	// only the final state is checked.
	schema := createSession(t, d, SessionSchema)
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, schema.Close())

	require.Eventually(t, func() bool {
		n, err := d.committedMarkers()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStaleMarkersClearedOnLoad(t *testing.T) {
	c := newBadgerConfig(t)
	c.StatisticsInterval = config.NewDuration(0)
	m, err := NewManager(c)
	require.Nil(t, err)
	d, err := m.Create("stats")
	require.Nil(t, err)

	txn := begin(t, createSession(t, d, SessionData), TransactionWrite)
	require.Nil(t, txn.DataStorage().PutUntracked(txnCommittedKey(1<<40), []byte{}))
	require.Nil(t, txn.Commit())
	require.Nil(t, m.Close())

	m = newTestManager(t, c)
	d, err = m.Get("stats")
	require.Nil(t, err)
	n, err := d.committedMarkers()
	require.Nil(t, err)
	assert.Equal(t, 0, n)
}

func TestSchemaLockWriteRequests(t *testing.T) {
	l := NewSchemaLock()
	r, err := l.TryReadLock(time.Second)
	require.Nil(t, err)
	assert.False(t, l.HasWriteRequests())

	done := make(chan error, 1)
	go func() {
		w, err := l.TryWriteLock(time.Second)
		if err == nil {
			w.Release()
		}
		done <- err
	}()
	require.Eventually(t, l.HasWriteRequests, time.Second, time.Millisecond)

	// A waiting writer holds back new readers.
	_, err = l.TryReadLock(20 * time.Millisecond)
	assert.Equal(t, ErrDataLockTimeout, err)

	r.Release()
	r.Release()
	require.Nil(t, <-done)
	assert.False(t, l.HasWriteRequests())
}
