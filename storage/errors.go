package storage

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrResourceClosed is returned by operations on a closed storage or iterator.
	ErrResourceClosed = errors.New("storage: resource closed")
	// ErrSchemaReadViolation is returned by writes through a read-only schema storage.
	ErrSchemaReadViolation = errors.New("storage: write on read-only schema storage")
	// ErrDataReadViolation is returned by writes through a read-only data storage.
	ErrDataReadViolation = errors.New("storage: write on read-only data storage")
	// ErrPrefixOverflow is returned when a prefix has no lexicographic successor.
	ErrPrefixOverflow = errors.New("storage: prefix has no successor")
)

// ViolationKind classifies a consistency violation detected at commit.
type ViolationKind int

const (
	// ModifyDelete: a key this transaction modified was deleted by a concurrent commit.
	ModifyDelete ViolationKind = iota + 1
	// DeleteModify: a key this transaction deleted was modified by a concurrent commit.
	DeleteModify
	// ExclusiveCreate: a concurrent commit created the same exclusive key.
	ExclusiveCreate
)

func (k ViolationKind) String() string {
	switch k {
	case ModifyDelete:
		return "modify_delete"
	case DeleteModify:
		return "delete_modify"
	case ExclusiveCreate:
		return "exclusive_create"
	}
	return "unknown"
}

// ErrConsistencyViolation aborts a commit that conflicts with a concurrently
// committed transaction.
type ErrConsistencyViolation struct {
	Kind ViolationKind
	Key  []byte
}

func (e *ErrConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation %s on key %q", e.Kind, e.Key)
}

// IsConsistencyViolation returns the violation kind if err was caused by one.
func IsConsistencyViolation(err error) (ViolationKind, bool) {
	if v, ok := errors.Cause(err).(*ErrConsistencyViolation); ok {
		return v.Kind, true
	}
	return 0, false
}
