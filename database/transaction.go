package database

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/storage"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type TransactionType int

const (
	TransactionRead TransactionType = iota
	TransactionWrite
)

func (t TransactionType) String() string {
	if t == TransactionRead {
		return "read"
	}
	return "write"
}

// Graph is the in-memory working state a caller attaches to a transaction.
type Graph interface {
	// Validate checks the graph's invariants before commit.
	Validate() error
	IsModified() bool
	// Clear drops the working state. It is called on every commit, rollback and close.
	Clear()
}

// Transaction is a single-use unit of work. Schema transactions own a schema
// storage and a companion data storage; data transactions own a data storage
// and borrow the database's schema cache.
type Transaction struct {
	session *Session
	typ     TransactionType
	// release gives back the lock acquired for a write transaction.
	release func()

	schema *storage.SchemaStorage
	data   *storage.DataStorage
	cache  *Cache

	graphMu     sync.Mutex
	schemaGraph Graph
	dataGraph   Graph

	open      atomic.Bool
	closeOnce sync.Once
}

func newTransaction(s *Session, typ TransactionType, release func()) (*Transaction, error) {
	d := s.database
	if !d.IsOpen() {
		return nil, ErrResourceClosed
	}
	t := &Transaction{session: s, typ: typ, release: release}
	readOnly := typ == TransactionRead

	var err error
	if s.typ == SessionSchema {
		t.schema, err = storage.NewSchemaStorage(d.schemaEngine, storage.Options{
			Owner:     t,
			ReadOnly:  readOnly,
			Watermark: d.schemaWatermark,
		})
		if err != nil {
			return nil, err
		}
	} else {
		if t.cache, err = d.CacheBorrow(); err != nil {
			return nil, err
		}
	}
	t.data, err = storage.NewDataStorage(d.dataEngine, d.consistency, storage.Options{
		Owner:     t,
		ReadOnly:  readOnly,
		Watermark: d.dataWatermark,
	})
	if err != nil {
		if t.schema != nil {
			t.schema.Close()
		}
		if t.cache != nil {
			d.CacheUnborrow(t.cache)
		}
		return nil, err
	}
	t.open.Store(true)
	return t, nil
}

func (t *Transaction) Type() TransactionType {
	return t.typ
}

func (t *Transaction) Session() *Session {
	return t.session
}

func (t *Transaction) IsOpen() bool {
	return t.open.Load()
}

// ID is the id of the transaction's data storage.
func (t *Transaction) ID() uint64 {
	return t.data.ID()
}

// SchemaStorage is nil for data transactions.
func (t *Transaction) SchemaStorage() *storage.SchemaStorage {
	return t.schema
}

func (t *Transaction) DataStorage() *storage.DataStorage {
	return t.data
}

// Cache is nil for schema transactions.
func (t *Transaction) Cache() *Cache {
	return t.cache
}

func (t *Transaction) SetSchemaGraph(g Graph) {
	t.graphMu.Lock()
	t.schemaGraph = g
	t.graphMu.Unlock()
}

func (t *Transaction) SetDataGraph(g Graph) {
	t.graphMu.Lock()
	t.dataGraph = g
	t.graphMu.Unlock()
}

func (t *Transaction) graphs() (schema, data Graph) {
	t.graphMu.Lock()
	defer t.graphMu.Unlock()
	return t.schemaGraph, t.dataGraph
}

func (t *Transaction) clearGraphs() {
	schema, data := t.graphs()
	for _, g := range []Graph{schema, data} {
		if g != nil {
			g.Clear()
		}
	}
}

func isModified(g Graph) bool {
	return g != nil && g.IsModified()
}

func validate(g Graph) error {
	if g == nil {
		return nil
	}
	return g.Validate()
}

// Commit commits the transaction and closes it, whether or not the commit
// succeeds. A read transaction cannot be committed and stays open.
func (t *Transaction) Commit() error {
	if t.typ == TransactionRead {
		if !t.IsOpen() {
			return ErrTransactionClosed
		}
		return ErrIllegalCommit
	}
	if !t.open.CompareAndSwap(true, false) {
		return ErrTransactionClosed
	}
	defer t.closeResources()

	var err error
	if t.session.typ == SessionSchema {
		err = t.commitSchema()
	} else {
		err = t.commitData()
	}
	t.recordCommit(err)
	return err
}

func (t *Transaction) commitData() error {
	schemaGraph, dataGraph := t.graphs()
	if isModified(schemaGraph) {
		t.rollbackStorages()
		return ErrSessionDataViolation
	}
	if err := validate(dataGraph); err != nil {
		t.rollbackStorages()
		return err
	}
	if !t.session.internal {
		if err := t.data.PutUntracked(txnCommittedKey(t.data.ID()), []byte{}); err != nil {
			t.rollbackStorages()
			return err
		}
	}
	if err := t.data.Commit(); err != nil {
		t.rollbackStorages()
		return err
	}
	return nil
}

func (t *Transaction) commitSchema() error {
	schemaGraph, dataGraph := t.graphs()
	if isModified(dataGraph) {
		t.rollbackStorages()
		return ErrSessionSchemaViolation
	}
	if err := validate(schemaGraph); err != nil {
		t.rollbackStorages()
		return err
	}
	if err := t.schema.Commit(); err != nil {
		t.rollbackStorages()
		return err
	}
	if t.data.HasWrite() {
		if err := t.data.Commit(); err != nil {
			t.rollbackStorages()
			// The schema is already durable.
			t.session.database.CacheInvalidate()
			return errors.Annotate(err, "commit data written by schema transaction")
		}
	}
	t.session.database.CacheInvalidate()
	return nil
}

func (t *Transaction) recordCommit(err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := storage.IsConsistencyViolation(err); ok {
			result = kind.String()
		}
		log.Debug("transaction commit failed",
			zap.String("database", t.session.database.name),
			zap.Stringer("session", t.session.typ),
			zap.Uint64("id", t.data.ID()),
			zap.Error(err))
	}
	transactionCommitCounter.WithLabelValues(t.session.typ.String(), result).Inc()
}

// rollbackStorages discards the engine writes. Storages already closed by an
// engine failure are skipped.
func (t *Transaction) rollbackStorages() {
	if t.schema != nil {
		_ = t.schema.Rollback()
	}
	_ = t.data.Rollback()
}

// Rollback discards every write and closes the transaction.
func (t *Transaction) Rollback() error {
	if !t.open.CompareAndSwap(true, false) {
		return ErrTransactionClosed
	}
	t.clearGraphs()
	t.rollbackStorages()
	t.closeResources()
	return nil
}

// Close rolls back an open transaction. Closing a closed transaction does nothing.
func (t *Transaction) Close() error {
	if t.open.CompareAndSwap(true, false) {
		t.closeResources()
	}
	return nil
}

// closeResources closes the storages before the lock is released, so a data
// write never outlives its shared schema lock.
func (t *Transaction) closeResources() {
	t.closeOnce.Do(func() {
		t.clearGraphs()
		if t.schema != nil {
			t.schema.Close()
		}
		t.data.Close()
		if t.cache != nil {
			t.session.database.CacheUnborrow(t.cache)
		}
		if t.release != nil {
			t.release()
		}
		t.session.transactionClosed(t)
	})
}
