// Package engine defines the ordered, snapshot-isolated key-value engine the
// storage layer sits on, together with the badger and in-memory implementations.
//
// Every committing transaction is assigned the next value of a single global
// sequence number. A transaction reads the state as of its snapshot sequence
// and, at commit, fails with ErrConflict if any key it wrote with a tracked
// operation was committed by somebody else after that snapshot.
package engine

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

var (
	// ErrConflict is returned by Txn.Commit when a tracked key was written by
	// another transaction after this transaction's snapshot.
	ErrConflict = errors.New("engine: write conflict")
	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("engine: closed")
	// ErrReadOnly is returned by write operations on a read-only transaction.
	ErrReadOnly = errors.New("engine: transaction is read-only")
	// ErrTxnDone is returned when a committed or rolled back transaction is reused.
	ErrTxnDone = errors.New("engine: transaction already finished")
)

// Engine is an embedded ordered key-value store.
type Engine interface {
	// Begin starts a transaction whose snapshot is the current sequence number.
	Begin(readOnly bool) (Txn, error)
	// Sequence returns the sequence number of the latest commit.
	Sequence() uint64
	// SetDiscardSequence allows versions no longer visible at or after seq to be reclaimed.
	SetDiscardSequence(seq uint64)
	Close() error
}

// Txn is a single engine transaction. It is not safe for concurrent writes.
type Txn interface {
	Snapshot() uint64
	// Get returns nil, nil when the key does not exist.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	PutUntracked(key, value []byte) error
	Delete(key []byte) error
	DeleteUntracked(key []byte) error
	// MergeUntracked folds operand into the value of key with the engine's MergeOperator.
	// The merge is resolved against the latest committed value when the transaction commits.
	MergeUntracked(key, operand []byte) error
	// NewIterator opens an iterator over the transaction's view. Every iterator
	// must be closed before Commit or Rollback.
	NewIterator(opts IterOptions) Iterator
	// Commit returns the sequence number assigned to the commit.
	Commit() (uint64, error)
	Rollback()
}

// IterOptions controls iteration direction.
type IterOptions struct {
	Reverse bool
}

// Iterator walks the transaction's view in key order. In reverse mode Seek
// positions at the largest key less than or equal to the target.
type Iterator interface {
	Seek(key []byte)
	Valid() bool
	Key() []byte
	Value() ([]byte, error)
	Next()
	Close()
}

// MergeOperator combines an existing value (nil when absent) with a list of operands.
type MergeOperator interface {
	FullMerge(existing []byte, operands [][]byte) []byte
}

// Int64AddOperator treats values as little-endian int64 and sums operands into them.
type Int64AddOperator struct{}

func (Int64AddOperator) FullMerge(existing []byte, operands [][]byte) []byte {
	sum := DecodeInt64(existing)
	for _, op := range operands {
		sum += DecodeInt64(op)
	}
	return EncodeInt64(sum)
}

func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeInt64 returns 0 for values shorter than 8 bytes.
func DecodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func safeCopy(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
