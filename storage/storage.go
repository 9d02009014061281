// Package storage binds transactional read/write scopes to engine transactions.
//
// A Storage wraps one engine transaction. SchemaStorage and DataStorage add the
// write surface of the schema and data key spaces; DataStorage additionally
// tracks every key it touches so the ConsistencyManager can veto commits that
// conflict with concurrently committed transactions.
//
// Every engine error raised through a storage is traced, logged at debug level,
// and closes the owning transaction before it is returned.
package storage

import (
	"bytes"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Owner is the transaction a storage belongs to.
type Owner interface {
	IsOpen() bool
	Close() error
}

// Options configures a new storage.
type Options struct {
	// Owner is closed when an engine operation fails. It may be nil.
	Owner    Owner
	ReadOnly bool
	// Watermark, if set, records the storage's snapshot for engine garbage collection.
	Watermark *Watermark
}

// Storage is the read surface shared by schema and data storages, plus the
// untracked writes.
type Storage struct {
	name          string
	txn           engine.Txn
	owner         Owner
	readOnly      bool
	readViolation error
	watermark     *Watermark
	pool          *iteratorPool

	// generation is bumped on every write so pooled iterators opened before it are not reused.
	generation atomic.Uint64
	hasWrite   atomic.Bool

	// closeMu is held shared by every engine operation and exclusively by commit and close.
	closeMu sync.RWMutex
	// closing is set once the engine transaction is committed or rolled back.
	closing atomic.Bool
	closed  atomic.Bool
}

func newStorage(name string, e engine.Engine, opts Options, readViolation error) (*Storage, error) {
	var (
		txn engine.Txn
		err error
	)
	if opts.Watermark != nil {
		txn, err = opts.Watermark.begin(opts.ReadOnly)
	} else {
		txn, err = e.Begin(opts.ReadOnly)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Storage{
		name:          name,
		txn:           txn,
		owner:         opts.Owner,
		readOnly:      opts.ReadOnly,
		readViolation: readViolation,
		watermark:     opts.Watermark,
		pool:          newIteratorPool(),
	}, nil
}

// NewReadStorage opens a read-only storage with no owner, as used by the schema cache.
func NewReadStorage(e engine.Engine, w *Watermark) (*Storage, error) {
	return newStorage("schema", e, Options{ReadOnly: true, Watermark: w}, ErrSchemaReadViolation)
}

// Snapshot returns the engine sequence number the storage reads at.
func (s *Storage) Snapshot() uint64 {
	return s.txn.Snapshot()
}

func (s *Storage) IsOpen() bool {
	return !s.closed.Load()
}

func (s *Storage) IsReadOnly() bool {
	return s.readOnly
}

// HasWrite reports whether any write went through the storage.
func (s *Storage) HasWrite() bool {
	return s.hasWrite.Load()
}

// usable reports whether engine operations may still run. It must be called
// with closeMu held.
func (s *Storage) usable() bool {
	return !s.closing.Load() && !s.closed.Load()
}

// handleError passes storage errors through and treats everything else as an
// engine failure. It must be called without closeMu held.
func (s *Storage) handleError(err error) error {
	switch errors.Cause(err) {
	case ErrResourceClosed, ErrPrefixOverflow, s.readViolation:
		return err
	}
	if _, ok := errors.Cause(err).(*ErrConsistencyViolation); ok {
		return err
	}
	err = errors.Trace(err)
	log.Debug("storage engine operation failed", zap.String("storage", s.name), zap.Error(err))
	if s.owner != nil && s.owner.IsOpen() {
		if cerr := s.owner.Close(); cerr != nil {
			log.Debug("close transaction after engine error", zap.Error(cerr))
		}
	}
	return err
}

// read runs f with the engine transaction while holding the close lock shared.
func (s *Storage) read(f func(txn engine.Txn) error) error {
	s.closeMu.RLock()
	if !s.usable() {
		s.closeMu.RUnlock()
		return ErrResourceClosed
	}
	err := f(s.txn)
	s.closeMu.RUnlock()
	if err != nil {
		return s.handleError(err)
	}
	return nil
}

func (s *Storage) write(f func(txn engine.Txn) error) error {
	if s.readOnly {
		return s.readViolation
	}
	err := s.read(func(txn engine.Txn) error {
		if err := f(txn); err != nil {
			return err
		}
		s.generation.Inc()
		s.hasWrite.Store(true)
		return nil
	})
	return err
}

// Get returns nil when key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.read(func(txn engine.Txn) error {
		v, err := txn.Get(key)
		value = v
		return err
	})
	return value, err
}

// Iterate returns the entries under prefix in ascending key order.
func (s *Storage) Iterate(prefix []byte) *Iterator {
	return &Iterator{storage: s, prefix: append([]byte(nil), prefix...)}
}

// IterateReverse returns the entries under prefix in descending key order.
func (s *Storage) IterateReverse(prefix []byte) *Iterator {
	return &Iterator{storage: s, prefix: append([]byte(nil), prefix...), reverse: true}
}

// GetLastKeyWithPrefix returns the largest key under prefix, or nil if there is none.
func (s *Storage) GetLastKeyWithPrefix(prefix []byte) ([]byte, error) {
	succ, err := successor(prefix)
	if err != nil {
		return nil, err
	}
	n, err := s.pool.get(s.txn, true, s.generation.Load())
	if err != nil {
		return nil, err
	}
	defer s.pool.put(n)
	var last []byte
	err = s.read(func(engine.Txn) error {
		n.it.Seek(succ)
		if n.it.Valid() && bytes.Equal(n.it.Key(), succ) {
			n.it.Next()
		}
		if n.it.Valid() {
			if key := n.it.Key(); bytes.HasPrefix(key, prefix) {
				last = key
			}
		}
		return nil
	})
	return last, err
}

func (s *Storage) PutUntracked(key, value []byte) error {
	return s.write(func(txn engine.Txn) error {
		return txn.PutUntracked(key, value)
	})
}

func (s *Storage) DeleteUntracked(key []byte) error {
	return s.write(func(txn engine.Txn) error {
		return txn.DeleteUntracked(key)
	})
}

// MergeUntracked folds operand into key with the engine's merge operator.
func (s *Storage) MergeUntracked(key, operand []byte) error {
	return s.write(func(txn engine.Txn) error {
		return txn.MergeUntracked(key, operand)
	})
}

// commit closes every iterator and commits the engine transaction. The storage
// begins closing: every later operation fails with ErrResourceClosed, and Close
// still has to be called.
func (s *Storage) commit() (uint64, error) {
	if s.readOnly {
		return 0, s.readViolation
	}
	s.closeMu.Lock()
	if !s.usable() {
		s.closeMu.Unlock()
		return 0, ErrResourceClosed
	}
	s.closing.Store(true)
	s.pool.closeAll()
	seq, err := s.txn.Commit()
	s.closeMu.Unlock()
	if err != nil {
		return 0, s.handleError(err)
	}
	return seq, nil
}

// Rollback discards every write. The storage cannot be used afterwards.
func (s *Storage) Rollback() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.usable() {
		return ErrResourceClosed
	}
	s.closing.Store(true)
	s.pool.closeAll()
	s.txn.Rollback()
	return nil
}

// close releases the engine transaction. It reports whether this call closed the storage.
func (s *Storage) close() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.pool.closeAll()
	s.txn.Rollback()
	if s.watermark != nil {
		s.watermark.release(s.txn.Snapshot())
	}
	return true
}

// Close is idempotent.
func (s *Storage) Close() {
	s.close()
}

// SchemaStorage is a storage over the schema key space.
type SchemaStorage struct {
	*Storage
}

func NewSchemaStorage(e engine.Engine, opts Options) (*SchemaStorage, error) {
	s, err := newStorage("schema", e, opts, ErrSchemaReadViolation)
	if err != nil {
		return nil, err
	}
	return &SchemaStorage{Storage: s}, nil
}

// Put writes key with the engine's per-key conflict check.
func (s *SchemaStorage) Put(key, value []byte) error {
	return s.write(func(txn engine.Txn) error {
		return txn.Put(key, value)
	})
}

func (s *SchemaStorage) Delete(key []byte) error {
	return s.write(func(txn engine.Txn) error {
		return txn.Delete(key)
	})
}

// Commit commits the engine transaction.
func (s *SchemaStorage) Commit() error {
	_, err := s.commit()
	return err
}
