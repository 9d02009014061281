package database

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// schemaLockWeight bounds the number of concurrent readers. A writer takes all of it.
const schemaLockWeight = 1 << 30

// SchemaLock is the reader-writer lock keeping data writes and schema writes apart.
// Waiters are served in arrival order, so a waiting writer holds back later readers.
type SchemaLock struct {
	sem           *semaphore.Weighted
	writeRequests atomic.Int32
}

func NewSchemaLock() *SchemaLock {
	return &SchemaLock{sem: semaphore.NewWeighted(schemaLockWeight)}
}

// Stamp is a held acquisition of a SchemaLock.
type Stamp struct {
	lock     *SchemaLock
	weight   int64
	released atomic.Bool
}

// Release gives the stamp back. It is idempotent.
func (s *Stamp) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.lock.sem.Release(s.weight)
	}
}

func (l *SchemaLock) acquire(weight int64, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, weight) == nil
}

// TryWriteLock acquires the lock exclusively or fails with ErrSchemaLockTimeout.
func (l *SchemaLock) TryWriteLock(timeout time.Duration) (*Stamp, error) {
	l.writeRequests.Inc()
	defer l.writeRequests.Dec()
	start := time.Now()
	ok := l.acquire(schemaLockWeight, timeout)
	schemaLockWait.WithLabelValues("write").Observe(time.Since(start).Seconds())
	if !ok {
		return nil, ErrSchemaLockTimeout
	}
	return &Stamp{lock: l, weight: schemaLockWeight}, nil
}

// TryReadLock acquires the lock shared or fails with ErrDataLockTimeout.
func (l *SchemaLock) TryReadLock(timeout time.Duration) (*Stamp, error) {
	start := time.Now()
	ok := l.acquire(1, timeout)
	schemaLockWait.WithLabelValues("read").Observe(time.Since(start).Seconds())
	if !ok {
		return nil, ErrDataLockTimeout
	}
	return &Stamp{lock: l, weight: 1}, nil
}

// HasWriteRequests reports whether a writer is waiting for the lock.
func (l *SchemaLock) HasWriteRequests() bool {
	return l.writeRequests.Load() > 0
}
