package storage

import (
	"sort"
	"sync"
)

// KeyTracker records the keys a data storage modified, deleted or reserved
// for exclusive creation. A key is in at most one of the three sets; tracking
// it in one evicts it from the others.
//
// A tracker has a single writer, the owning transaction, and any number of
// readers running conflict checks.
type KeyTracker struct {
	mu sync.RWMutex
	// modified maps a key to whether it must be validated against concurrent deletes.
	modified  map[string]bool
	deleted   map[string]struct{}
	exclusive map[string]struct{}
}

func NewKeyTracker() *KeyTracker {
	return &KeyTracker{
		modified:  make(map[string]bool),
		deleted:   make(map[string]struct{}),
		exclusive: make(map[string]struct{}),
	}
}

func (t *KeyTracker) TrackModified(key []byte, checkConsistency bool) {
	k := string(key)
	t.mu.Lock()
	t.modified[k] = checkConsistency
	delete(t.deleted, k)
	delete(t.exclusive, k)
	t.mu.Unlock()
}

func (t *KeyTracker) TrackDeleted(key []byte) {
	k := string(key)
	t.mu.Lock()
	t.deleted[k] = struct{}{}
	delete(t.modified, k)
	delete(t.exclusive, k)
	t.mu.Unlock()
}

func (t *KeyTracker) TrackExclusive(key []byte) {
	k := string(key)
	t.mu.Lock()
	t.exclusive[k] = struct{}{}
	delete(t.modified, k)
	delete(t.deleted, k)
	t.mu.Unlock()
}

// IsModifiedValidated reports whether key was modified with consistency checking enabled.
func (t *KeyTracker) IsModifiedValidated(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modified[string(key)]
}

func (t *KeyTracker) IsModified(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.modified[string(key)]
	return ok
}

func (t *KeyTracker) IsDeleted(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.deleted[string(key)]
	return ok
}

func (t *KeyTracker) IsExclusive(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.exclusive[string(key)]
	return ok
}

// Empty reports whether nothing was tracked.
func (t *KeyTracker) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.modified) == 0 && len(t.deleted) == 0 && len(t.exclusive) == 0
}

// Conflict checks this tracker, belonging to the committing storage, against
// one that committed concurrently with it.
func (t *KeyTracker) Conflict(committed *KeyTracker) *ErrConsistencyViolation {
	if t == committed {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	committed.mu.RLock()
	defer committed.mu.RUnlock()

	for _, k := range sortedKeys(t.modified) {
		if !t.modified[k] {
			continue
		}
		if _, ok := committed.deleted[k]; ok {
			return &ErrConsistencyViolation{Kind: ModifyDelete, Key: []byte(k)}
		}
	}
	for _, k := range sortedKeys(t.deleted) {
		if _, ok := committed.modified[k]; ok {
			return &ErrConsistencyViolation{Kind: DeleteModify, Key: []byte(k)}
		}
	}
	for _, k := range sortedKeys(t.exclusive) {
		if _, ok := committed.exclusive[k]; ok {
			return &ErrConsistencyViolation{Kind: ExclusiveCreate, Key: []byte(k)}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
