package database

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/config"
	"github.com/tinygraph-incubator/tinygraph/storage"
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
	"github.com/tinygraph-incubator/tinygraph/util/worker"
	"go.uber.org/zap"
)

// statisticsLockTimeout is how long a compensation run waits for the shared
// schema lock before giving up until the next run.
const statisticsLockTimeout = 50 * time.Millisecond

type compensateTask struct{}

// statisticsCompensator removes the transaction-committed markers of data
// transactions the ConsistencyManager has collected, and counts its runs in
// the statistics snapshot.
type statisticsCompensator struct {
	database *Database
	worker   *worker.Worker
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending []uint64
	// own holds the ids of the compensator's transactions, whose collection is not queued.
	own     map[uint64]struct{}
	session *Session
}

func newStatisticsCompensator(d *Database) *statisticsCompensator {
	c := &statisticsCompensator{
		database: d,
		own:      make(map[uint64]struct{}),
	}
	c.worker = worker.NewWorker("statistics-"+d.name, &c.wg)
	d.consistency.OnDelete(c.collected)
	return c
}

// collected runs under the ConsistencyManager's lock.
func (c *statisticsCompensator) collected(s storage.Tracked) {
	c.mu.Lock()
	if _, ok := c.own[s.ID()]; ok {
		delete(c.own, s.ID())
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, s.ID())
	c.mu.Unlock()
	c.worker.TrySend(compensateTask{})
}

func (c *statisticsCompensator) start() error {
	s, err := c.database.createSession(SessionData, config.Session{}, true)
	if err != nil {
		return err
	}
	c.session = s
	if err = c.clearMarkers(); err != nil {
		s.Close()
		return errors.Annotate(err, "clear transaction markers")
	}
	c.worker.Start(c)
	if interval := c.database.cfg.StatisticsInterval.Duration; interval > 0 {
		c.worker.Schedule(interval, compensateTask{})
	}
	return nil
}

func (c *statisticsCompensator) begin() (*Transaction, error) {
	t, err := c.session.Transaction(TransactionWrite, config.Transaction{LockTimeout: statisticsLockTimeout})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.own[t.ID()] = struct{}{}
	c.mu.Unlock()
	return t, nil
}

// finish closes t and forgets its id if it never committed.
func (c *statisticsCompensator) finish(t *Transaction) {
	t.Close()
	if _, ok := t.DataStorage().SnapshotEnd(); !ok {
		c.mu.Lock()
		delete(c.own, t.ID())
		c.mu.Unlock()
	}
}

// clearMarkers deletes the markers left behind by a previous process.
func (c *statisticsCompensator) clearMarkers() error {
	t, err := c.begin()
	if err != nil {
		return err
	}
	defer c.finish(t)
	it := t.DataStorage().Iterate(txnCommittedPrefix)
	var keys [][]byte
	for it.HasNext() {
		key, _ := it.Next()
		keys = append(keys, key)
	}
	it.Close()
	if err = it.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return t.Rollback()
	}
	for _, key := range keys {
		if err = t.DataStorage().DeleteUntracked(key); err != nil {
			return err
		}
	}
	log.Info("removed stale transaction markers", zap.String("database", c.database.name), zap.Int("count", len(keys)))
	return t.Commit()
}

func (c *statisticsCompensator) Handle(task worker.Task) {
	if _, ok := task.(compensateTask); !ok {
		return
	}
	if c.database.schemaLock.HasWriteRequests() {
		statisticsCounter.WithLabelValues("deferred").Inc()
		return
	}
	c.mu.Lock()
	ids := append([]uint64(nil), c.pending...)
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	err := c.compensate(ids)
	if errors.Cause(err) == ErrDataLockTimeout {
		log.Debug("statistics compensation deferred by schema lock", zap.String("database", c.database.name))
		statisticsCounter.WithLabelValues("deferred").Inc()
		return
	}
	if err != nil {
		log.Warn("statistics compensation failed", zap.String("database", c.database.name), zap.Error(err))
		statisticsCounter.WithLabelValues("error").Inc()
		return
	}
	c.mu.Lock()
	c.pending = c.pending[len(ids):]
	c.mu.Unlock()
	statisticsCounter.WithLabelValues("ok").Inc()
}

func (c *statisticsCompensator) compensate(ids []uint64) error {
	t, err := c.begin()
	if err != nil {
		return err
	}
	defer c.finish(t)
	data := t.DataStorage()
	for _, id := range ids {
		if err = data.DeleteUntracked(txnCommittedKey(id)); err != nil {
			return err
		}
	}
	if err = data.MergeUntracked(statisticsSnapshotKey, engine.EncodeInt64(1)); err != nil {
		return err
	}
	return t.Commit()
}

func (c *statisticsCompensator) close() {
	c.worker.Stop()
	c.wg.Wait()
	if c.session != nil {
		c.session.Close()
	}
}
