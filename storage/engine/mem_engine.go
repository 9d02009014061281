package engine

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"
)

// Memory is an Engine that keeps every version in an in-process btree. Data is
// not written to disk. It is intended for tests and short-lived tools.
type Memory struct {
	merge MergeOperator

	mu       sync.RWMutex
	versions *btree.BTreeG[memVersion]

	commitMu sync.Mutex
	seq      atomic.Uint64
	closed   atomic.Bool
}

// memVersion orders by key ascending, then by sequence descending, so the
// first version at or after (key, seq) is the one visible at seq.
type memVersion struct {
	key       []byte
	seq       uint64
	value     []byte
	tombstone bool
}

func lessVersion(a, b memVersion) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq > b.seq
}

func NewMemory(merge MergeOperator) *Memory {
	if merge == nil {
		merge = Int64AddOperator{}
	}
	return &Memory{
		merge:    merge,
		versions: btree.NewG(32, lessVersion),
	}
}

func (m *Memory) Begin(readOnly bool) (Txn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return &memTxn{
		engine:   m,
		snapshot: m.seq.Load(),
		readOnly: readOnly,
		pending:  btree.NewG(8, lessPending),
	}, nil
}

func (m *Memory) Sequence() uint64 {
	return m.seq.Load()
}

// SetDiscardSequence drops every version shadowed by a newer version at or below seq.
func (m *Memory) SetDiscardSequence(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		drop    []memVersion
		lastKey []byte
		kept    bool
	)
	m.versions.Ascend(func(v memVersion) bool {
		if lastKey == nil || !bytes.Equal(lastKey, v.key) {
			lastKey, kept = v.key, false
		}
		if v.seq > seq {
			return true
		}
		if kept {
			drop = append(drop, v)
			return true
		}
		kept = true
		return true
	})
	for _, v := range drop {
		m.versions.Delete(v)
	}
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// visible returns the version of key visible at seq.
func (m *Memory) visible(key []byte, seq uint64) (memVersion, bool) {
	var (
		found memVersion
		ok    bool
	)
	m.versions.AscendGreaterOrEqual(memVersion{key: key, seq: seq}, func(v memVersion) bool {
		if bytes.Equal(v.key, key) {
			found, ok = v, true
		}
		return false
	})
	return found, ok
}

func (m *Memory) latestSeq(key []byte) uint64 {
	v, ok := m.visible(key, ^uint64(0))
	if !ok {
		return 0
	}
	return v.seq
}

// scan returns the live entries visible at seq, ascending.
func (m *Memory) scan(seq uint64) []memEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		entries []memEntry
		lastKey []byte
		decided bool
	)
	m.versions.Ascend(func(v memVersion) bool {
		if lastKey == nil || !bytes.Equal(lastKey, v.key) {
			lastKey, decided = v.key, false
		}
		if decided || v.seq > seq {
			return true
		}
		decided = true
		if !v.tombstone {
			entries = append(entries, memEntry{key: v.key, value: v.value})
		}
		return true
	})
	return entries
}

type pendingKind int

const (
	pendingPut pendingKind = iota
	pendingDelete
	pendingMerge
)

type pendingWrite struct {
	key      []byte
	kind     pendingKind
	value    []byte
	operands [][]byte
}

func lessPending(a, b pendingWrite) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memTxn struct {
	engine   *Memory
	snapshot uint64
	readOnly bool
	done     bool

	pending *btree.BTreeG[pendingWrite]
	tracked [][]byte
}

func (t *memTxn) Snapshot() uint64 {
	return t.snapshot
}

func (t *memTxn) committedValue(key []byte) []byte {
	t.engine.mu.RLock()
	defer t.engine.mu.RUnlock()
	v, ok := t.engine.visible(key, t.snapshot)
	if !ok || v.tombstone {
		return nil
	}
	return v.value
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if t.engine.closed.Load() {
		return nil, ErrClosed
	}
	if p, ok := t.pending.Get(pendingWrite{key: key}); ok {
		switch p.kind {
		case pendingPut:
			return safeCopy(p.value), nil
		case pendingDelete:
			return nil, nil
		default:
			return t.engine.merge.FullMerge(t.committedValue(key), p.operands), nil
		}
	}
	return safeCopy(t.committedValue(key)), nil
}

func (t *memTxn) write(p pendingWrite, tracked bool) error {
	if t.done {
		return ErrTxnDone
	}
	if t.readOnly {
		return ErrReadOnly
	}
	p.key = safeCopy(p.key)
	p.value = safeCopy(p.value)
	t.pending.ReplaceOrInsert(p)
	if tracked {
		t.tracked = append(t.tracked, p.key)
	}
	return nil
}

func (t *memTxn) Put(key, value []byte) error {
	return t.write(pendingWrite{key: key, kind: pendingPut, value: value}, true)
}

func (t *memTxn) PutUntracked(key, value []byte) error {
	return t.write(pendingWrite{key: key, kind: pendingPut, value: value}, false)
}

func (t *memTxn) Delete(key []byte) error {
	return t.write(pendingWrite{key: key, kind: pendingDelete}, true)
}

func (t *memTxn) DeleteUntracked(key []byte) error {
	return t.write(pendingWrite{key: key, kind: pendingDelete}, false)
}

func (t *memTxn) MergeUntracked(key, operand []byte) error {
	p, ok := t.pending.Get(pendingWrite{key: key})
	switch {
	case !ok:
		p = pendingWrite{key: key, kind: pendingMerge}
		fallthrough
	case p.kind == pendingMerge:
		p.operands = append(p.operands, safeCopy(operand))
	case p.kind == pendingPut:
		p.value = t.engine.merge.FullMerge(p.value, [][]byte{operand})
	default:
		p = pendingWrite{key: key, kind: pendingPut, value: t.engine.merge.FullMerge(nil, [][]byte{operand})}
	}
	return t.write(p, false)
}

func (t *memTxn) NewIterator(opts IterOptions) Iterator {
	return &memIterator{txn: t, reverse: opts.Reverse}
}

// entries merges the committed view with the transaction's pending writes.
func (t *memTxn) entries() []memEntry {
	committed := t.engine.scan(t.snapshot)
	if t.pending.Len() == 0 {
		return committed
	}
	overlay := make(map[string]pendingWrite, t.pending.Len())
	t.pending.Ascend(func(p pendingWrite) bool {
		overlay[string(p.key)] = p
		return true
	})
	merged := make([]memEntry, 0, len(committed)+len(overlay))
	for _, e := range committed {
		p, ok := overlay[string(e.key)]
		if !ok {
			merged = append(merged, e)
			continue
		}
		delete(overlay, string(e.key))
		switch p.kind {
		case pendingPut:
			merged = append(merged, memEntry{key: e.key, value: p.value})
		case pendingMerge:
			merged = append(merged, memEntry{key: e.key, value: t.engine.merge.FullMerge(e.value, p.operands)})
		}
	}
	for _, p := range overlay {
		switch p.kind {
		case pendingPut:
			merged = append(merged, memEntry{key: p.key, value: p.value})
		case pendingMerge:
			merged = append(merged, memEntry{key: p.key, value: t.engine.merge.FullMerge(nil, p.operands)})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return bytes.Compare(merged[i].key, merged[j].key) < 0
	})
	return merged
}

func (t *memTxn) Commit() (uint64, error) {
	if t.done {
		return 0, ErrTxnDone
	}
	if t.readOnly {
		return 0, ErrReadOnly
	}
	t.done = true
	m := t.engine
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range t.tracked {
		if m.latestSeq(key) > t.snapshot {
			return 0, ErrConflict
		}
	}
	ts := m.seq.Load() + 1
	t.pending.Ascend(func(p pendingWrite) bool {
		v := memVersion{key: p.key, seq: ts}
		switch p.kind {
		case pendingPut:
			v.value = p.value
		case pendingDelete:
			v.tombstone = true
		case pendingMerge:
			var existing []byte
			if latest, ok := m.visible(p.key, ^uint64(0)); ok && !latest.tombstone {
				existing = latest.value
			}
			v.value = m.merge.FullMerge(existing, p.operands)
		}
		m.versions.ReplaceOrInsert(v)
		return true
	})
	m.seq.Store(ts)
	return ts, nil
}

func (t *memTxn) Rollback() {
	t.done = true
}

type memEntry struct {
	key   []byte
	value []byte
}

// memIterator materializes the transaction's view on every Seek.
type memIterator struct {
	txn     *memTxn
	reverse bool
	entries []memEntry
	pos     int
}

func (i *memIterator) Seek(key []byte) {
	i.entries = i.txn.entries()
	if !i.reverse {
		i.pos = sort.Search(len(i.entries), func(n int) bool {
			return bytes.Compare(i.entries[n].key, key) >= 0
		})
		return
	}
	i.pos = sort.Search(len(i.entries), func(n int) bool {
		return bytes.Compare(i.entries[n].key, key) > 0
	}) - 1
}

func (i *memIterator) Valid() bool {
	return i.pos >= 0 && i.pos < len(i.entries)
}

func (i *memIterator) Key() []byte {
	return safeCopy(i.entries[i.pos].key)
}

func (i *memIterator) Value() ([]byte, error) {
	return safeCopy(i.entries[i.pos].value), nil
}

func (i *memIterator) Next() {
	if i.reverse {
		i.pos--
		return
	}
	i.pos++
}

func (i *memIterator) Close() {
	i.entries = nil
}
