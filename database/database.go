// Package database manages databases, their sessions and transactions on top
// of the storage layer.
//
// A database owns two engines, one for the schema key space and one for the
// data key space. Schema sessions hold the database's schema lock exclusively
// for their whole life; data write transactions hold it shared. Data write
// transactions are checked by the database's ConsistencyManager at commit.
package database

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/config"
	"github.com/tinygraph-incubator/tinygraph/storage"
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// EncodingVersion is the version of the key encoding written by this package.
const EncodingVersion uint64 = 1

// Keys under the reserved 0x00 prefix belong to the database itself.
var (
	encodingVersionKey    = []byte("\x00sys/encoding-version")
	txnCommittedPrefix    = []byte("\x00stats/txn-committed/")
	statisticsSnapshotKey = []byte("\x00stats/snapshot")
)

func txnCommittedKey(id uint64) []byte {
	key := make([]byte, len(txnCommittedPrefix)+8)
	copy(key, txnCommittedPrefix)
	binary.BigEndian.PutUint64(key[len(txnCommittedPrefix):], id)
	return key
}

// Database is one named database.
type Database struct {
	name    string
	dir     string
	cfg     *config.Config
	manager *Manager

	schemaEngine    engine.Engine
	dataEngine      engine.Engine
	schemaWatermark *storage.Watermark
	dataWatermark   *storage.Watermark
	consistency     *storage.ConsistencyManager
	schemaLock      *SchemaLock

	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*Session

	cacheMu sync.Mutex
	cache   *Cache

	statistics *statisticsCompensator
	open       atomic.Bool
}

func openEngines(cfg *config.Config, dir string) (schema, data engine.Engine, err error) {
	if cfg.Engine == config.EngineMemory {
		return engine.NewMemory(nil), engine.NewMemory(nil), nil
	}
	schema, err = engine.OpenBadger(filepath.Join(dir, "schema"), &cfg.Storage, nil)
	if err != nil {
		return nil, nil, err
	}
	data, err = engine.OpenBadger(filepath.Join(dir, "data"), &cfg.Storage, nil)
	if err != nil {
		schema.Close()
		return nil, nil, err
	}
	return schema, data, nil
}

func newDatabase(m *Manager, name string, create bool) (*Database, error) {
	dir := ""
	if m.cfg.Engine != config.EngineMemory {
		dir = filepath.Join(m.cfg.Dir, name)
		if create {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	schema, data, err := openEngines(m.cfg, dir)
	if err != nil {
		return nil, err
	}
	d := &Database{
		name:            name,
		dir:             dir,
		cfg:             m.cfg,
		manager:         m,
		schemaEngine:    schema,
		dataEngine:      data,
		schemaWatermark: storage.NewWatermark(schema),
		dataWatermark:   storage.NewWatermark(data),
		consistency:     storage.NewConsistencyManager(),
		schemaLock:      NewSchemaLock(),
		sessions:        make(map[uuid.UUID]*Session),
	}
	d.open.Store(true)
	if create {
		err = d.initialiseEncodingVersion()
	} else {
		err = d.validateEncodingVersion()
	}
	if err != nil {
		d.closeEngines()
		return nil, err
	}
	d.statistics = newStatisticsCompensator(d)
	if err = d.statistics.start(); err != nil {
		d.closeEngines()
		return nil, err
	}
	log.Info("database opened", zap.String("name", name), zap.Bool("created", create), zap.String("engine", m.cfg.Engine))
	return d, nil
}

func (d *Database) initialiseEncodingVersion() error {
	s, err := storage.NewSchemaStorage(d.schemaEngine, storage.Options{Watermark: d.schemaWatermark})
	if err != nil {
		return err
	}
	defer s.Close()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, EncodingVersion)
	if err = s.PutUntracked(encodingVersionKey, value); err != nil {
		return err
	}
	return s.Commit()
}

func (d *Database) validateEncodingVersion() error {
	s, err := storage.NewReadStorage(d.schemaEngine, d.schemaWatermark)
	if err != nil {
		return err
	}
	defer s.Close()
	value, err := s.Get(encodingVersionKey)
	if err != nil {
		return err
	}
	if len(value) != 8 || binary.BigEndian.Uint64(value) != EncodingVersion {
		return errors.Annotatef(ErrIncompatibleEncoding, "database %s", d.name)
	}
	return nil
}

func (d *Database) Name() string {
	return d.name
}

func (d *Database) IsOpen() bool {
	return d.open.Load()
}

// ConsistencyManager returns the conflict detector shared by the database's data write transactions.
func (d *Database) ConsistencyManager() *storage.ConsistencyManager {
	return d.consistency
}

// SchemaLock returns the lock separating schema writes from data writes.
func (d *Database) SchemaLock() *SchemaLock {
	return d.schemaLock
}

// CreateSession opens a session. A schema session acquires the schema lock
// exclusively and holds it until it is closed.
func (d *Database) CreateSession(typ SessionType, opts config.Session) (*Session, error) {
	return d.createSession(typ, opts, false)
}

func (d *Database) createSession(typ SessionType, opts config.Session, internal bool) (*Session, error) {
	if !d.IsOpen() {
		return nil, ErrResourceClosed
	}
	var stamp *Stamp
	if typ == SessionSchema {
		var err error
		stamp, err = d.schemaLock.TryWriteLock(d.cfg.ResolveSchemaLockTimeout(opts, config.Transaction{}))
		if err != nil {
			log.Info("schema session lock timeout", zap.String("database", d.name))
			return nil, err
		}
	}
	s := newSession(d, typ, opts, stamp, internal)
	if internal {
		return s, nil
	}
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	if !d.IsOpen() {
		s.release()
		return nil, ErrResourceClosed
	}
	d.sessions[s.ID()] = s
	sessionGauge.WithLabelValues(typ.String()).Inc()
	return s, nil
}

func (d *Database) sessionClosed(s *Session) {
	if s.internal {
		return
	}
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	if _, ok := d.sessions[s.ID()]; ok {
		delete(d.sessions, s.ID())
		sessionGauge.WithLabelValues(s.Type().String()).Dec()
	}
}

// Session returns the open session with the given id.
func (d *Database) Session(id uuid.UUID) (*Session, bool) {
	d.sessionsMu.RLock()
	defer d.sessionsMu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions returns the open sessions in no particular order.
func (d *Database) Sessions() []*Session {
	d.sessionsMu.RLock()
	defer d.sessionsMu.RUnlock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// StatisticsSnapshot returns the number of completed statistics compensation runs.
func (d *Database) StatisticsSnapshot() (int64, error) {
	s, err := d.beginReadData()
	if err != nil {
		return 0, err
	}
	defer s.Close()
	v, err := s.Get(statisticsSnapshotKey)
	if err != nil {
		return 0, err
	}
	return engine.DecodeInt64(v), nil
}

// committedMarkers counts the transaction-committed markers still stored.
func (d *Database) committedMarkers() (int, error) {
	s, err := d.beginReadData()
	if err != nil {
		return 0, err
	}
	defer s.Close()
	it := s.Iterate(txnCommittedPrefix)
	defer it.Close()
	n := 0
	for it.HasNext() {
		it.Next()
		n++
	}
	return n, it.Err()
}

func (d *Database) beginReadData() (*storage.DataStorage, error) {
	if !d.IsOpen() {
		return nil, ErrResourceClosed
	}
	return storage.NewDataStorage(d.dataEngine, d.consistency, storage.Options{
		ReadOnly:  true,
		Watermark: d.dataWatermark,
	})
}

// Close closes every session, then the engines. It is idempotent.
func (d *Database) Close() error {
	if !d.open.CompareAndSwap(true, false) {
		return nil
	}
	d.statistics.close()
	for _, s := range d.Sessions() {
		if err := s.Close(); err != nil {
			log.Warn("close session", zap.String("database", d.name), zap.Error(err))
		}
	}
	d.cacheClose()
	err := d.closeEngines()
	log.Info("database closed", zap.String("name", d.name))
	return err
}

func (d *Database) closeEngines() error {
	var firstErr error
	for _, e := range []engine.Engine{d.dataEngine, d.schemaEngine} {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
	}
	return firstErr
}

// Delete closes the database, removes it from its manager and deletes its files.
func (d *Database) Delete() error {
	if err := d.Close(); err != nil {
		return err
	}
	d.manager.remove(d)
	if d.dir != "" {
		if err := os.RemoveAll(d.dir); err != nil {
			return errors.Trace(err)
		}
	}
	log.Info("database deleted", zap.String("name", d.name))
	return nil
}
