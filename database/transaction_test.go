package database

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygraph-incubator/tinygraph/config"
	"github.com/tinygraph-incubator/tinygraph/storage"
)

type fakeGraph struct {
	modified    bool
	validateErr error
	cleared     int
}

func (g *fakeGraph) Validate() error  { return g.validateErr }
func (g *fakeGraph) IsModified() bool { return g.modified }
func (g *fakeGraph) Clear()           { g.cleared++ }

func TestCommitVisibility(t *testing.T) {
	forEachConfig(t, func(t *testing.T, d *Database) {
		s := createSession(t, d, SessionData)
		a := begin(t, s, TransactionWrite)
		require.Nil(t, a.DataStorage().Put([]byte("k1"), []byte("v1"), true))

		early := begin(t, s, TransactionRead)
		defer early.Close()

		require.Nil(t, a.Commit())
		assert.False(t, a.IsOpen())

		b := begin(t, s, TransactionRead)
		defer b.Close()
		v, err := b.DataStorage().Get([]byte("k1"))
		require.Nil(t, err)
		assert.Equal(t, []byte("v1"), v)

		v, err = early.DataStorage().Get([]byte("k1"))
		require.Nil(t, err)
		assert.Nil(t, v)
	})
}

func TestDisjointConcurrentCommits(t *testing.T) {
	forEachConfig(t, func(t *testing.T, d *Database) {
		const workers, txns = 8, 20
		s := createSession(t, d, SessionData)
		errs := make(chan error, workers*txns)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < txns; i++ {
					txn, err := s.Transaction(TransactionWrite, config.Transaction{LockTimeout: time.Second})
					if err != nil {
						errs <- err
						continue
					}
					key := []byte(fmt.Sprintf("w%d/k%d", w, i))
					if err = txn.DataStorage().Put(key, key, true); err == nil {
						err = txn.DataStorage().Delete([]byte(fmt.Sprintf("w%d/gone%d", w, i)))
					}
					if err == nil {
						err = txn.Commit()
					}
					txn.Close()
					errs <- err
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.Nil(t, err)
		}
		require.Eventually(t, func() bool {
			return d.ConsistencyManager().EventCount() == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestDeleteModifyScenario(t *testing.T) {
	forEachConfig(t, func(t *testing.T, d *Database) {
		s := createSession(t, d, SessionData)
		a := begin(t, s, TransactionWrite)
		require.Nil(t, a.DataStorage().Delete([]byte("k2")))

		b := begin(t, s, TransactionWrite)
		require.Nil(t, b.DataStorage().Put([]byte("k2"), []byte("v"), true))
		require.Nil(t, b.Commit())

		err := a.Commit()
		kind, ok := storage.IsConsistencyViolation(err)
		require.True(t, ok, "%v", err)
		assert.Equal(t, storage.DeleteModify, kind)
		assert.False(t, a.IsOpen())
		assert.False(t, a.DataStorage().IsOpen())

		r := begin(t, s, TransactionRead)
		defer r.Close()
		v, err := r.DataStorage().Get([]byte("k2"))
		require.Nil(t, err)
		assert.Equal(t, []byte("v"), v)
	})
}

func TestExclusiveCreateScenario(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	s := createSession(t, d, SessionData)
	a := begin(t, s, TransactionWrite)
	b := begin(t, s, TransactionWrite)
	require.Nil(t, a.DataStorage().SetExclusiveCreate([]byte("label/person")))
	require.Nil(t, b.DataStorage().SetExclusiveCreate([]byte("label/person")))

	require.Nil(t, a.Commit())
	kind, ok := storage.IsConsistencyViolation(b.Commit())
	require.True(t, ok)
	assert.Equal(t, storage.ExclusiveCreate, kind)
}

func TestIllegalAndClosedTransactions(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	s := createSession(t, d, SessionData)

	r := begin(t, s, TransactionRead)
	assert.Equal(t, ErrIllegalCommit, r.Commit())
	assert.True(t, r.IsOpen())
	require.Nil(t, r.Close())
	require.Nil(t, r.Close())
	assert.Equal(t, ErrTransactionClosed, r.Commit())
	assert.Equal(t, ErrTransactionClosed, r.Rollback())

	w := begin(t, s, TransactionWrite)
	require.Nil(t, w.DataStorage().Put([]byte("k"), []byte("v"), false))
	require.Nil(t, w.Rollback())
	assert.Equal(t, ErrTransactionClosed, w.Rollback())
	assert.Equal(t, ErrTransactionClosed, w.Commit())
	_, err := w.DataStorage().Get([]byte("k"))
	assert.Equal(t, ErrResourceClosed, err)

	check := begin(t, s, TransactionRead)
	defer check.Close()
	v, err := check.DataStorage().Get([]byte("k"))
	require.Nil(t, err)
	assert.Nil(t, v)
}

func TestReadTransactionRejectsWrites(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	r := begin(t, createSession(t, d, SessionData), TransactionRead)
	defer r.Close()
	assert.Equal(t, storage.ErrDataReadViolation, r.DataStorage().Put([]byte("k"), nil, false))
	assert.Nil(t, r.SchemaStorage())
	assert.NotNil(t, r.Cache())

	sr := begin(t, createSession(t, d, SessionSchema), TransactionRead)
	defer sr.Close()
	assert.Equal(t, storage.ErrSchemaReadViolation, sr.SchemaStorage().Put([]byte("k"), nil))
	assert.Nil(t, sr.Cache())
}

func TestSessionGraphViolations(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())

	data := createSession(t, d, SessionData)
	txn := begin(t, data, TransactionWrite)
	schemaGraph := &fakeGraph{modified: true}
	txn.SetSchemaGraph(schemaGraph)
	assert.Equal(t, ErrSessionDataViolation, txn.Commit())
	assert.Equal(t, 1, schemaGraph.cleared)

	txn = begin(t, data, TransactionWrite)
	invalid := errors.New("dangling edge")
	txn.SetDataGraph(&fakeGraph{modified: true, validateErr: invalid})
	require.Nil(t, txn.DataStorage().Put([]byte("k"), []byte("v"), false))
	assert.Equal(t, invalid, txn.Commit())
	require.Nil(t, data.Close())

	schema := createSession(t, d, SessionSchema)
	txn = begin(t, schema, TransactionWrite)
	dataGraph := &fakeGraph{modified: true}
	txn.SetDataGraph(dataGraph)
	assert.Equal(t, ErrSessionSchemaViolation, txn.Commit())
	assert.Equal(t, 1, dataGraph.cleared)

	txn = begin(t, schema, TransactionRead)
	defer txn.Close()
	v, err := txn.DataStorage().Get([]byte("k"))
	require.Nil(t, err)
	assert.Nil(t, v)
}

func TestSchemaSessionExcludesDataWrites(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	data := createSession(t, d, SessionData)
	schema := createSession(t, d, SessionSchema)

	start := time.Now()
	_, err := data.Transaction(TransactionWrite, config.Transaction{})
	assert.Equal(t, ErrDataLockTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// Reads never wait for the schema lock.
	r := begin(t, data, TransactionRead)
	require.Nil(t, r.Close())

	_, err = d.CreateSession(SessionSchema, config.Session{LockTimeout: 20 * time.Millisecond})
	assert.Equal(t, ErrSchemaLockTimeout, err)

	require.Nil(t, schema.Close())
	w := begin(t, data, TransactionWrite)

	// A data write holds the schema lock shared until it closes.
	_, err = d.CreateSession(SessionSchema, config.Session{LockTimeout: 20 * time.Millisecond})
	assert.Equal(t, ErrSchemaLockTimeout, err)
	require.Nil(t, w.Close())
	createSession(t, d, SessionSchema)
}

func TestSchemaSessionSerializesWriteTransactions(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	s := createSession(t, d, SessionSchema)
	first := begin(t, s, TransactionWrite)

	_, err := s.Transaction(TransactionWrite, config.Transaction{LockTimeout: 20 * time.Millisecond})
	assert.Equal(t, ErrSchemaLockTimeout, err)

	require.Nil(t, first.SchemaStorage().Put([]byte("type/person"), []byte("entity")))
	require.Nil(t, first.DataStorage().PutUntracked([]byte("count/person"), []byte("0")))
	require.Nil(t, first.Commit())

	second := begin(t, s, TransactionWrite)
	defer second.Close()
	v, err := second.SchemaStorage().Get([]byte("type/person"))
	require.Nil(t, err)
	assert.Equal(t, []byte("entity"), v)
	v, err = second.DataStorage().Get([]byte("count/person"))
	require.Nil(t, err)
	assert.Equal(t, []byte("0"), v)
}

func TestCacheOutlivesInvalidation(t *testing.T) {
	forEachConfig(t, func(t *testing.T, d *Database) {
		data := createSession(t, d, SessionData)
		a := begin(t, data, TransactionRead)
		b := begin(t, data, TransactionRead)
		cache := a.Cache()
		require.Same(t, cache, b.Cache())

		schema := createSession(t, d, SessionSchema)
		w := begin(t, schema, TransactionWrite)
		require.Nil(t, w.SchemaStorage().Put([]byte("type/person"), []byte("entity")))
		require.Nil(t, w.Commit())
		require.Nil(t, schema.Close())

		// Both readers still see the schema they started with.
		assert.True(t, cache.IsOpen())
		for _, txn := range []*Transaction{a, b} {
			v, err := txn.Cache().Storage().Get([]byte("type/person"))
			require.Nil(t, err)
			assert.Nil(t, v)
		}

		c := begin(t, data, TransactionRead)
		defer c.Close()
		assert.NotSame(t, cache, c.Cache())
		v, err := c.Cache().Storage().Get([]byte("type/person"))
		require.Nil(t, err)
		assert.Equal(t, []byte("entity"), v)

		require.Nil(t, a.Close())
		assert.True(t, cache.IsOpen())
		require.Nil(t, b.Close())
		assert.False(t, cache.IsOpen())
	})
}

func TestEngineConflictClosesTransaction(t *testing.T) {
	d := newTestDatabase(t, config.NewTestConfig())
	s := createSession(t, d, SessionData)
	a := begin(t, s, TransactionWrite)
	b := begin(t, s, TransactionWrite)
	require.Nil(t, a.DataStorage().Put([]byte("k"), []byte("a"), false))
	require.Nil(t, b.DataStorage().Put([]byte("k"), []byte("b"), false))

	require.Nil(t, a.Commit())
	err := b.Commit()
	require.NotNil(t, err)
	_, ok := storage.IsConsistencyViolation(err)
	assert.False(t, ok)
	assert.False(t, b.IsOpen())
	assert.Empty(t, s.Transactions())
}
