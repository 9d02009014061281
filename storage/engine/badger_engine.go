package engine

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/config"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Badger is an Engine backed by a badger database opened in managed mode.
// Badger's own conflict detection is disabled; the engine owns the commit
// timestamps and checks tracked writes against the newest stored version.
type Badger struct {
	db    *badger.DB
	dir   string
	merge MergeOperator

	commitMu sync.Mutex
	seq      atomic.Uint64
	closed   atomic.Bool
}

// OpenBadger opens or creates a badger database in dir.
func OpenBadger(dir string, conf *config.Storage, merge MergeOperator) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithDetectConflicts(false).
		WithLogger(badgerLogger{log.S().Named("badger")})
	if conf != nil {
		opts = opts.WithSyncWrites(conf.SyncWrites).
			WithNumVersionsToKeep(conf.NumVersionsToKeep)
		if conf.ValueThreshold > 0 {
			opts = opts.WithValueThreshold(conf.ValueThreshold)
		}
		if conf.NumCompactors > 0 {
			opts = opts.WithNumCompactors(conf.NumCompactors)
		}
		if conf.BlockCacheSize > 0 {
			opts = opts.WithBlockCacheSize(int64(conf.BlockCacheSize))
		}
		if conf.IndexCacheSize > 0 {
			opts = opts.WithIndexCacheSize(int64(conf.IndexCacheSize))
		}
	}
	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	if merge == nil {
		merge = Int64AddOperator{}
	}
	b := &Badger{db: db, dir: dir, merge: merge}
	b.seq.Store(db.MaxVersion())
	log.Debug("badger engine opened", zap.String("dir", dir), zap.Uint64("sequence", b.seq.Load()))
	return b, nil
}

func (b *Badger) Begin(readOnly bool) (Txn, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	snapshot := b.seq.Load()
	return &badgerTxn{
		engine:   b,
		txn:      b.db.NewTransactionAt(snapshot, !readOnly),
		snapshot: snapshot,
		readOnly: readOnly,
		written:  make(map[string]struct{}),
		merges:   make(map[string][][]byte),
	}, nil
}

func (b *Badger) Sequence() uint64 {
	return b.seq.Load()
}

func (b *Badger) SetDiscardSequence(seq uint64) {
	if b.closed.Load() {
		return
	}
	b.db.SetDiscardTs(seq)
}

func (b *Badger) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Wait for an in-flight commit.
	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	return errors.Trace(b.db.Close())
}

// hasNewerVersion reports whether any of keys has a stored version newer than snapshot.
func (b *Badger) hasNewerVersion(keys [][]byte, snapshot uint64) bool {
	if len(keys) == 0 {
		return false
	}
	rt := b.db.NewTransactionAt(math.MaxUint64, false)
	defer rt.Discard()
	it := rt.NewIterator(badger.IteratorOptions{AllVersions: true})
	defer it.Close()
	for _, key := range keys {
		it.Seek(key)
		if !it.Valid() {
			continue
		}
		item := it.Item()
		if bytes.Equal(item.Key(), key) && item.Version() > snapshot {
			return true
		}
	}
	return false
}

func (b *Badger) latestValue(key []byte) ([]byte, error) {
	rt := b.db.NewTransactionAt(math.MaxUint64, false)
	defer rt.Discard()
	item, err := rt.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return item.ValueCopy(nil)
}

type badgerTxn struct {
	engine   *Badger
	txn      *badger.Txn
	snapshot uint64
	readOnly bool
	done     bool

	tracked [][]byte
	// written holds keys put or deleted by this transaction; merges on them are applied in place.
	written map[string]struct{}
	merges  map[string][][]byte
}

func (t *badgerTxn) Snapshot() uint64 {
	return t.snapshot
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	var value []byte
	item, err := t.txn.Get(key)
	switch {
	case err == badger.ErrKeyNotFound:
	case err != nil:
		return nil, errors.Trace(err)
	default:
		if value, err = item.ValueCopy(nil); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if ops, ok := t.merges[string(key)]; ok {
		return t.engine.merge.FullMerge(value, ops), nil
	}
	return value, nil
}

func (t *badgerTxn) checkWritable() error {
	if t.done {
		return ErrTxnDone
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *badgerTxn) set(key, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k := safeCopy(key)
	delete(t.merges, string(k))
	t.written[string(k)] = struct{}{}
	return errors.Trace(t.txn.Set(k, safeCopy(value)))
}

func (t *badgerTxn) remove(key []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k := safeCopy(key)
	delete(t.merges, string(k))
	t.written[string(k)] = struct{}{}
	return errors.Trace(t.txn.Delete(k))
}

func (t *badgerTxn) Put(key, value []byte) error {
	if err := t.set(key, value); err != nil {
		return err
	}
	t.tracked = append(t.tracked, safeCopy(key))
	return nil
}

func (t *badgerTxn) PutUntracked(key, value []byte) error {
	return t.set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	if err := t.remove(key); err != nil {
		return err
	}
	t.tracked = append(t.tracked, safeCopy(key))
	return nil
}

func (t *badgerTxn) DeleteUntracked(key []byte) error {
	return t.remove(key)
}

func (t *badgerTxn) MergeUntracked(key, operand []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.written[string(key)]; ok {
		existing, err := t.Get(key)
		if err != nil {
			return err
		}
		return t.set(key, t.engine.merge.FullMerge(existing, [][]byte{operand}))
	}
	t.merges[string(key)] = append(t.merges[string(key)], safeCopy(operand))
	return nil
}

func (t *badgerTxn) NewIterator(opts IterOptions) Iterator {
	return &badgerIterator{it: t.txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: false,
		Reverse:        opts.Reverse,
	})}
}

func (t *badgerTxn) Commit() (uint64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	t.done = true
	b := t.engine
	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	if b.closed.Load() {
		t.txn.Discard()
		return 0, ErrClosed
	}
	sort.Slice(t.tracked, func(i, j int) bool {
		return bytes.Compare(t.tracked[i], t.tracked[j]) < 0
	})
	if b.hasNewerVersion(t.tracked, t.snapshot) {
		t.txn.Discard()
		return 0, ErrConflict
	}
	for key, ops := range t.merges {
		existing, err := b.latestValue([]byte(key))
		if err != nil {
			t.txn.Discard()
			return 0, err
		}
		if err = t.txn.Set([]byte(key), b.merge.FullMerge(existing, ops)); err != nil {
			t.txn.Discard()
			return 0, errors.Trace(err)
		}
	}
	ts := b.seq.Load() + 1
	if err := t.txn.CommitAt(ts, nil); err != nil {
		return 0, errors.Trace(err)
	}
	b.seq.Store(ts)
	return ts, nil
}

func (t *badgerTxn) Rollback() {
	t.done = true
	t.txn.Discard()
}

type badgerIterator struct {
	it *badger.Iterator
}

func (i *badgerIterator) Seek(key []byte) { i.it.Seek(key) }
func (i *badgerIterator) Valid() bool     { return i.it.Valid() }
func (i *badgerIterator) Key() []byte     { return i.it.Item().KeyCopy(nil) }
func (i *badgerIterator) Next()           { i.it.Next() }
func (i *badgerIterator) Close()          { i.it.Close() }

func (i *badgerIterator) Value() ([]byte, error) {
	v, err := i.it.Item().ValueCopy(nil)
	return v, errors.Trace(err)
}

// badgerLogger routes badger's logs into the process logger. Badger is chatty
// at info level so its info messages are demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
