package storage

import (
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
	"go.uber.org/atomic"
)

// DataStorage is a storage over the data key space. Write storages are
// registered with the ConsistencyManager for their whole lifetime.
type DataStorage struct {
	*Storage
	id      uint64
	manager *ConsistencyManager
	tracker *KeyTracker
	// snapshotEnd is zero until the storage commits; commit sequence numbers start at one.
	snapshotEnd atomic.Uint64
}

var dataStorageIDs atomic.Uint64

// NewDataStorage opens a data storage. A write storage takes its snapshot and
// registers with manager in one step.
func NewDataStorage(e engine.Engine, manager *ConsistencyManager, opts Options) (*DataStorage, error) {
	open := func() (*DataStorage, error) {
		s, err := newStorage("data", e, opts, ErrDataReadViolation)
		if err != nil {
			return nil, err
		}
		return &DataStorage{
			Storage: s,
			id:      dataStorageIDs.Inc(),
			manager: manager,
			tracker: NewKeyTracker(),
		}, nil
	}
	if opts.ReadOnly {
		return open()
	}
	var d *DataStorage
	err := manager.Register(func() (Tracked, error) {
		var err error
		if d, err = open(); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ID identifies the storage and the transaction that owns it.
func (d *DataStorage) ID() uint64 {
	return d.id
}

func (d *DataStorage) SnapshotStart() uint64 {
	return d.Snapshot()
}

func (d *DataStorage) SnapshotEnd() (uint64, bool) {
	end := d.snapshotEnd.Load()
	return end, end != 0
}

func (d *DataStorage) Tracker() *KeyTracker {
	return d.tracker
}

// Put writes key through to the engine and tracks it as modified. When
// checkConsistency is set the commit fails if a concurrent transaction deleted key.
func (d *DataStorage) Put(key, value []byte, checkConsistency bool) error {
	err := d.write(func(txn engine.Txn) error {
		return txn.Put(key, value)
	})
	if err != nil {
		return err
	}
	d.tracker.TrackModified(key, checkConsistency)
	return nil
}

// Delete writes a tombstone and tracks key as deleted.
func (d *DataStorage) Delete(key []byte) error {
	err := d.write(func(txn engine.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}
	d.tracker.TrackDeleted(key)
	return nil
}

// SetExclusiveCreate reserves key: no concurrent transaction reserving the same
// key may commit alongside this one.
func (d *DataStorage) SetExclusiveCreate(key []byte) error {
	err := d.write(func(engine.Txn) error { return nil })
	if err != nil {
		return err
	}
	d.tracker.TrackExclusive(key)
	return nil
}

// Commit checks the storage against concurrently committed storages, then
// commits the engine transaction and records the commit sequence number.
func (d *DataStorage) Commit() error {
	if d.readOnly {
		return d.readViolation
	}
	if err := d.manager.OptimisticCommit(d); err != nil {
		return err
	}
	end, err := d.commit()
	if err != nil {
		return err
	}
	d.snapshotEnd.Store(end)
	d.manager.Committed(d)
	return nil
}

// Close releases the engine transaction and reports the close to the ConsistencyManager.
func (d *DataStorage) Close() {
	if d.close() && !d.readOnly {
		d.manager.Closed(d)
	}
}
