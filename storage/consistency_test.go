package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	id, start, end uint64
	tracker        *KeyTracker
}

func (f *fakeStorage) ID() uint64                  { return f.id }
func (f *fakeStorage) SnapshotStart() uint64       { return f.start }
func (f *fakeStorage) SnapshotEnd() (uint64, bool) { return f.end, f.end != 0 }
func (f *fakeStorage) Tracker() *KeyTracker        { return f.tracker }

// timeline drives a ConsistencyManager with a fake sequence number.
type timeline struct {
	t   *testing.T
	m   *ConsistencyManager
	seq uint64
	ids uint64
}

func newTimeline(t *testing.T) *timeline {
	return &timeline{t: t, m: NewConsistencyManager()}
}

func (tl *timeline) open() *fakeStorage {
	tl.ids++
	s := &fakeStorage{id: tl.ids, start: tl.seq, tracker: NewKeyTracker()}
	require.Nil(tl.t, tl.m.Register(func() (Tracked, error) { return s, nil }))
	return s
}

func (tl *timeline) commit(s *fakeStorage) error {
	if err := tl.m.OptimisticCommit(s); err != nil {
		return err
	}
	tl.seq++
	s.end = tl.seq
	tl.m.Committed(s)
	return nil
}

func (tl *timeline) mustCommit(s *fakeStorage) {
	require.Nil(tl.t, tl.commit(s))
}

func requireViolation(t *testing.T, err error, kind ViolationKind) {
	require.NotNil(t, err)
	got, ok := IsConsistencyViolation(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, kind, got)
}

func TestDeleteModifyViolation(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	a.tracker.TrackDeleted([]byte("k"))
	b := tl.open()
	b.tracker.TrackModified([]byte("k"), false)
	tl.mustCommit(b)

	err := tl.commit(a)
	requireViolation(t, err, DeleteModify)
	assert.Equal(t, []byte("k"), err.(*ErrConsistencyViolation).Key)
}

func TestModifyDeleteViolation(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	a.tracker.TrackModified([]byte("k"), true)
	b := tl.open()
	b.tracker.TrackDeleted([]byte("k"))
	tl.mustCommit(b)

	requireViolation(t, tl.commit(a), ModifyDelete)
}

func TestModifyWithoutCheckIgnoresDelete(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	a.tracker.TrackModified([]byte("k"), false)
	b := tl.open()
	b.tracker.TrackDeleted([]byte("k"))
	tl.mustCommit(b)

	assert.Nil(t, tl.commit(a))
}

func TestExclusiveCreateViolation(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	b := tl.open()
	a.tracker.TrackExclusive([]byte("id"))
	b.tracker.TrackExclusive([]byte("id"))

	tl.mustCommit(a)
	requireViolation(t, tl.commit(b), ExclusiveCreate)
}

func TestOptimisticallyCommittedIsConcurrent(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	b := tl.open()
	a.tracker.TrackExclusive([]byte("id"))
	b.tracker.TrackExclusive([]byte("id"))

	// a passed the check but its engine commit has not finished.
	require.Nil(t, tl.m.OptimisticCommit(a))
	requireViolation(t, tl.m.OptimisticCommit(b), ExclusiveCreate)

	open, optimistic := tl.m.Counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, optimistic)
}

func TestCommitBeforeOpenDoesNotConflict(t *testing.T) {
	tl := newTimeline(t)
	b := tl.open()
	b.tracker.TrackModified([]byte("k"), true)
	tl.mustCommit(b)

	a := tl.open()
	a.tracker.TrackDeleted([]byte("k"))
	assert.Nil(t, tl.commit(a))
}

func TestDisjointKeysCommit(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	b := tl.open()
	a.tracker.TrackDeleted([]byte("a"))
	a.tracker.TrackExclusive([]byte("x"))
	b.tracker.TrackModified([]byte("b"), true)
	b.tracker.TrackExclusive([]byte("y"))
	tl.mustCommit(b)
	assert.Nil(t, tl.commit(a))
}

func TestSequentialTransactionsAreCollected(t *testing.T) {
	tl := newTimeline(t)
	var deleted []uint64
	tl.m.OnDelete(func(s Tracked) { deleted = append(deleted, s.ID()) })

	for i := 0; i < 50; i++ {
		s := tl.open()
		s.tracker.TrackModified([]byte{byte(i)}, true)
		if i%3 == 0 {
			tl.m.Closed(s)
			continue
		}
		tl.mustCommit(s)
		tl.m.Closed(s)
		assert.Equal(t, 0, tl.m.EventCount())
	}
	assert.Equal(t, 0, tl.m.EventCount())
	assert.Len(t, deleted, 33)
	open, optimistic := tl.m.Counts()
	assert.Zero(t, open)
	assert.Zero(t, optimistic)
}

func TestCommittedRetainedWhileEarlierOpen(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	b := tl.open()
	b.tracker.TrackModified([]byte("k"), true)
	tl.mustCommit(b)
	tl.m.Closed(b)

	// a could still be checked against b.
	assert.Equal(t, 3, tl.m.EventCount())
	assert.Len(t, tl.m.ConcurrentlyCommitted(a), 1)

	a.tracker.TrackDeleted([]byte("k"))
	requireViolation(t, tl.commit(a), DeleteModify)
	tl.m.Closed(a)
	assert.Equal(t, 0, tl.m.EventCount())
}

func TestCommittedRetainedUntilClosed(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	tl.mustCommit(a)
	assert.Equal(t, 2, tl.m.EventCount())
	tl.m.Closed(a)
	assert.Equal(t, 0, tl.m.EventCount())
	// Closing twice is harmless.
	tl.m.Closed(a)
	assert.Equal(t, 0, tl.m.EventCount())
}

func TestChainedRetentionCollectsOnLastClose(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	b := tl.open()
	tl.mustCommit(b)
	c := tl.open()
	tl.mustCommit(c)
	tl.m.Closed(c)
	tl.m.Closed(b)
	// b is held by a; c committed after a opened too.
	assert.Equal(t, 5, tl.m.EventCount())

	tl.mustCommit(a)
	tl.m.Closed(a)
	assert.Equal(t, 0, tl.m.EventCount())
}

func TestConcurrentlyCommittedAfterCommit(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open() // opens at 0
	b := tl.open() // opens at 0
	tl.mustCommit(b)
	c := tl.open() // opens at 1
	tl.mustCommit(a)
	tl.mustCommit(c)

	ids := func(ss []Tracked) []uint64 {
		var out []uint64
		for _, s := range ss {
			out = append(out, s.ID())
		}
		return out
	}
	// a's window is [0, 2): b opened in it and c opened in it.
	assert.ElementsMatch(t, []uint64{b.id, c.id}, ids(tl.m.ConcurrentlyCommitted(a)))
	// c's window is [1, 3): b and a committed in it without opening in it.
	assert.ElementsMatch(t, []uint64{a.id, b.id}, ids(tl.m.ConcurrentlyCommitted(c)))
	// b's window is [0, 1): a opened in it; c committed later but opened after b.
	assert.ElementsMatch(t, []uint64{a.id}, ids(tl.m.ConcurrentlyCommitted(b)))
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	m := NewConsistencyManager()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seq     uint64
		success int
	)
	storages := make([]*fakeStorage, 16)
	for i := range storages {
		storages[i] = &fakeStorage{id: uint64(i + 1), tracker: NewKeyTracker()}
		storages[i].tracker.TrackExclusive([]byte("unique"))
		s := storages[i]
		require.Nil(t, m.Register(func() (Tracked, error) { return s, nil }))
	}
	for _, s := range storages {
		wg.Add(1)
		go func(s *fakeStorage) {
			defer wg.Done()
			if err := m.OptimisticCommit(s); err == nil {
				mu.Lock()
				seq++
				s.end = seq
				success++
				mu.Unlock()
				m.Committed(s)
			}
			m.Closed(s)
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, m.EventCount())
}

func TestOptimisticCommitOfClosedStorage(t *testing.T) {
	tl := newTimeline(t)
	a := tl.open()
	tl.m.Closed(a)
	assert.Equal(t, ErrResourceClosed, tl.m.OptimisticCommit(a))
}

func TestOpenBeforeCommitRetainsCommitted(t *testing.T) {
	tl := newTimeline(t)
	x := tl.open()
	x.tracker.TrackExclusive([]byte("id/1"))
	y := tl.open()
	y.tracker.TrackExclusive([]byte("id/1"))

	tl.mustCommit(x)
	tl.m.Closed(x)
	assert.Equal(t, 3, tl.m.EventCount())

	requireViolation(t, tl.commit(y), ExclusiveCreate)
	tl.m.Closed(y)
	assert.Equal(t, 0, tl.m.EventCount())
}

func TestRegisterFailureRecordsNothing(t *testing.T) {
	m := NewConsistencyManager()
	err := m.Register(func() (Tracked, error) { return nil, ErrResourceClosed })
	assert.Equal(t, ErrResourceClosed, err)
	assert.Equal(t, 0, m.EventCount())
	open, optimistic := m.Counts()
	assert.Zero(t, open+optimistic)
}

func TestCommittedWithoutSnapshotEndPanics(t *testing.T) {
	tl := newTimeline(t)
	s := tl.open()
	require.Nil(t, tl.m.OptimisticCommit(s))
	assert.Panics(t, func() { tl.m.Committed(s) })
}
