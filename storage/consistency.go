package storage

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Tracked is the view of a data storage the ConsistencyManager works on.
type Tracked interface {
	// ID is unique among the storages of one database.
	ID() uint64
	SnapshotStart() uint64
	// SnapshotEnd returns the commit sequence number once the storage has committed.
	SnapshotEnd() (uint64, bool)
	Tracker() *KeyTracker
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventCommit
)

// eventSet holds every event recorded at one sequence number.
type eventSet struct {
	seq    uint64
	events map[uint64]eventKind
}

func lessEventSet(a, b *eventSet) bool {
	return a.seq < b.seq
}

// ConsistencyManager detects conflicts between concurrently committing data
// storages that the engine's own per-key check does not see: a modification
// against a concurrent delete, a delete against a concurrent modification, and
// two exclusive creations of the same key.
//
// Every write storage is registered when it opens. Its lifetime is recorded as
// an OPEN event at its snapshot start and, once committed, a COMMIT event at its
// snapshot end. Records of a committed storage are retained until no open storage
// could still be checked against it.
type ConsistencyManager struct {
	// commitMu serializes OptimisticCommit.
	commitMu sync.Mutex

	// mu guards everything below. A storage is in at most one of open,
	// optimistic and committed.
	mu         sync.Mutex
	events     *btree.BTreeG[*eventSet]
	storages   map[uint64]Tracked
	open       map[uint64]struct{}
	optimistic map[uint64]struct{}
	committed  map[uint64]struct{}
	// closed holds committed storages that were closed but are still retained.
	closed    map[uint64]struct{}
	numEvents int

	onDelete func(Tracked)
}

func NewConsistencyManager() *ConsistencyManager {
	return &ConsistencyManager{
		events:     btree.NewG(16, lessEventSet),
		storages:   make(map[uint64]Tracked),
		open:       make(map[uint64]struct{}),
		optimistic: make(map[uint64]struct{}),
		committed:  make(map[uint64]struct{}),
		closed:     make(map[uint64]struct{}),
	}
}

// OnDelete sets a callback invoked, under the manager's lock, for every
// committed storage whose records are garbage collected.
func (m *ConsistencyManager) OnDelete(f func(Tracked)) {
	m.mu.Lock()
	m.onDelete = f
	m.mu.Unlock()
}

// Register calls open, which takes the storage's engine snapshot, and records
// the OPEN event of the returned storage under the same lock. A storage that
// commits after the snapshot is taken therefore cannot be collected before the
// new storage is seen as open. open must not call back into the manager.
func (m *ConsistencyManager) Register(open func() (Tracked, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := open()
	if err != nil {
		return err
	}
	m.storages[s.ID()] = s
	m.open[s.ID()] = struct{}{}
	m.addEvent(s.SnapshotStart(), s.ID(), eventOpen)
	retainedEvents.Set(float64(m.eventCountLocked()))
	return nil
}

// OptimisticCommit checks s against every storage that committed concurrently
// with it. On success s becomes optimistically committed.
func (m *ConsistencyManager) OptimisticCommit(s Tracked) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	start := time.Now()
	defer func() { consistencyCheckDuration.Observe(time.Since(start).Seconds()) }()

	m.mu.Lock()
	if _, ok := m.open[s.ID()]; !ok {
		m.mu.Unlock()
		return ErrResourceClosed
	}
	concurrent := m.concurrentlyCommittedLocked(s)
	m.mu.Unlock()

	for _, other := range concurrent {
		if v := s.Tracker().Conflict(other.Tracker()); v != nil {
			violationCounter.WithLabelValues(v.Kind.String()).Inc()
			return v
		}
	}

	m.mu.Lock()
	m.optimistic[s.ID()] = struct{}{}
	delete(m.open, s.ID())
	m.mu.Unlock()
	return nil
}

// Committed records the COMMIT event of s once its snapshot end is known.
// It panics if s has no snapshot end: callers store the commit sequence number
// before reporting the commit, so a missing end is a programming error.
func (m *ConsistencyManager) Committed(s Tracked) {
	end, ok := s.SnapshotEnd()
	if !ok {
		panic("consistency: committed storage has no snapshot end")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.optimistic[s.ID()]; !ok {
		return
	}
	m.addEvent(end, s.ID(), eventCommit)
	m.committed[s.ID()] = struct{}{}
	delete(m.optimistic, s.ID())
	retainedEvents.Set(float64(m.eventCountLocked()))
}

// Closed is called when s is closed, committed or not.
func (m *ConsistencyManager) Closed(s Tracked) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.ID()
	if _, ok := m.storages[id]; !ok {
		return
	}
	_, isOpen := m.open[id]
	_, isOptimistic := m.optimistic[id]
	if isOpen || isOptimistic {
		// Never committed: nothing can conflict with it.
		m.removeEvent(s.SnapshotStart(), id)
		delete(m.open, id)
		delete(m.optimistic, id)
		delete(m.storages, id)
	} else {
		m.closed[id] = struct{}{}
	}

	// s no longer holds back storages committed after it opened.
	var worklist []Tracked
	if !isOpen && !isOptimistic {
		worklist = append(worklist, s)
	}
	for cid := range m.closed {
		c := m.storages[cid]
		if end, _ := c.SnapshotEnd(); end > s.SnapshotStart() && cid != id {
			worklist = append(worklist, c)
		}
	}
	m.collectLocked(worklist)
	retainedEvents.Set(float64(m.eventCountLocked()))
}

// collectLocked deletes every deletable storage reachable from worklist through
// the concurrently committed relation.
func (m *ConsistencyManager) collectLocked(worklist []Tracked) {
	seen := make(map[uint64]struct{}, len(worklist))
	for len(worklist) > 0 {
		c := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if _, ok := seen[c.ID()]; ok {
			continue
		}
		seen[c.ID()] = struct{}{}
		if !m.isCommittedDeletableLocked(c) {
			continue
		}
		neighbours := m.concurrentlyCommittedLocked(c)
		m.deleteCommittedLocked(c)
		for _, n := range neighbours {
			if _, ok := m.closed[n.ID()]; ok {
				worklist = append(worklist, n)
			}
		}
	}
}

// isCommittedDeletableLocked reports whether c is committed, closed, and no open or
// optimistically committed storage opened before c committed.
func (m *ConsistencyManager) isCommittedDeletableLocked(c Tracked) bool {
	if _, ok := m.closed[c.ID()]; !ok {
		return false
	}
	end, _ := c.SnapshotEnd()
	for id := range m.open {
		if m.storages[id].SnapshotStart() < end {
			return false
		}
	}
	for id := range m.optimistic {
		if m.storages[id].SnapshotStart() < end {
			return false
		}
	}
	return true
}

func (m *ConsistencyManager) deleteCommittedLocked(c Tracked) {
	end, _ := c.SnapshotEnd()
	m.removeEvent(c.SnapshotStart(), c.ID())
	m.removeEvent(end, c.ID())
	delete(m.committed, c.ID())
	delete(m.closed, c.ID())
	delete(m.storages, c.ID())
	if m.onDelete != nil {
		m.onDelete(c)
	}
}

// ConcurrentlyCommitted returns the storages s must be checked against, or for a
// committed s, the storages whose lifetimes overlapped its own.
func (m *ConsistencyManager) ConcurrentlyCommitted(s Tracked) []Tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrentlyCommittedLocked(s)
}

func (m *ConsistencyManager) concurrentlyCommittedLocked(s Tracked) []Tracked {
	var (
		result []Tracked
		seen   = make(map[uint64]struct{})
		start  = s.SnapshotStart()
	)
	add := func(id uint64) {
		if id == s.ID() {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		if other, ok := m.storages[id]; ok {
			seen[id] = struct{}{}
			result = append(result, other)
		}
	}

	end, committed := s.SnapshotEnd()
	if !committed {
		for id := range m.optimistic {
			add(id)
		}
		m.events.AscendGreaterOrEqual(&eventSet{seq: start + 1}, func(es *eventSet) bool {
			for id, kind := range es.events {
				if kind == eventCommit {
					add(id)
				}
			}
			return true
		})
		return result
	}

	m.events.AscendRange(&eventSet{seq: start}, &eventSet{seq: end}, func(es *eventSet) bool {
		for id, kind := range es.events {
			switch kind {
			case eventOpen:
				add(id)
			case eventCommit:
				if other, ok := m.storages[id]; ok && other.SnapshotStart() != es.seq {
					add(id)
				}
			}
		}
		return true
	})
	m.events.AscendGreaterOrEqual(&eventSet{seq: end}, func(es *eventSet) bool {
		for id, kind := range es.events {
			if kind != eventCommit {
				continue
			}
			if other, ok := m.storages[id]; ok && other.SnapshotStart() <= start {
				add(id)
			}
		}
		return true
	})
	return result
}

func (m *ConsistencyManager) addEvent(seq, id uint64, kind eventKind) {
	es, ok := m.events.Get(&eventSet{seq: seq})
	if !ok {
		es = &eventSet{seq: seq, events: make(map[uint64]eventKind)}
		m.events.ReplaceOrInsert(es)
	}
	if _, ok := es.events[id]; !ok {
		m.numEvents++
	}
	es.events[id] = kind
}

func (m *ConsistencyManager) removeEvent(seq, id uint64) {
	es, ok := m.events.Get(&eventSet{seq: seq})
	if !ok {
		return
	}
	if _, ok := es.events[id]; !ok {
		return
	}
	m.numEvents--
	delete(es.events, id)
	if len(es.events) == 0 {
		m.events.Delete(es)
	}
}

// EventCount returns the number of retained events.
func (m *ConsistencyManager) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventCountLocked()
}

func (m *ConsistencyManager) eventCountLocked() int {
	return m.numEvents
}

// Counts returns the sizes of the open and optimistically committed sets.
func (m *ConsistencyManager) Counts() (open, optimistic int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open), len(m.optimistic)
}
