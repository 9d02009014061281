package database

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tinygraph-incubator/tinygraph/config"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type SessionType int

const (
	SessionSchema SessionType = iota
	SessionData
)

func (t SessionType) String() string {
	if t == SessionSchema {
		return "schema"
	}
	return "data"
}

// Session mints transactions of one type against a database.
type Session struct {
	id       uuid.UUID
	database *Database
	typ      SessionType
	options  config.Session
	internal bool

	// stamp is the exclusive schema lock held by a schema session.
	stamp *Stamp
	// writeLock admits one schema write transaction at a time.
	writeLock *semaphore.Weighted

	mu           sync.Mutex
	transactions map[*Transaction]struct{}
	open         atomic.Bool
}

func newSession(d *Database, typ SessionType, opts config.Session, stamp *Stamp, internal bool) *Session {
	s := &Session{
		id:           uuid.New(),
		database:     d,
		typ:          typ,
		options:      opts,
		internal:     internal,
		stamp:        stamp,
		transactions: make(map[*Transaction]struct{}),
	}
	if typ == SessionSchema {
		s.writeLock = semaphore.NewWeighted(1)
	}
	s.open.Store(true)
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Type() SessionType {
	return s.typ
}

func (s *Session) Database() *Database {
	return s.database
}

func (s *Session) IsOpen() bool {
	return s.open.Load()
}

// Transaction opens a transaction. A schema write transaction waits for the
// session's previous one to close; a data write transaction acquires the
// database schema lock shared.
func (s *Session) Transaction(typ TransactionType, opts config.Transaction) (*Transaction, error) {
	if !s.IsOpen() {
		return nil, ErrResourceClosed
	}
	var release func()
	if typ == TransactionWrite {
		var err error
		if release, err = s.acquireWrite(opts); err != nil {
			return nil, err
		}
	}
	t, err := newTransaction(s, typ, release)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}

	s.mu.Lock()
	if !s.IsOpen() {
		s.mu.Unlock()
		t.Close()
		return nil, ErrResourceClosed
	}
	s.transactions[t] = struct{}{}
	s.mu.Unlock()
	return t, nil
}

func (s *Session) acquireWrite(opts config.Transaction) (func(), error) {
	cfg := s.database.cfg
	if s.typ == SessionSchema {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ResolveSchemaLockTimeout(s.options, opts))
		defer cancel()
		if err := s.writeLock.Acquire(ctx, 1); err != nil {
			return nil, ErrSchemaLockTimeout
		}
		return func() { s.writeLock.Release(1) }, nil
	}
	stamp, err := s.database.schemaLock.TryReadLock(cfg.ResolveDataLockTimeout(s.options, opts))
	if err != nil {
		return nil, err
	}
	return stamp.Release, nil
}

func (s *Session) transactionClosed(t *Transaction) {
	s.mu.Lock()
	delete(s.transactions, t)
	s.mu.Unlock()
}

// Transactions returns the open transactions of the session.
func (s *Session) Transactions() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	txns := make([]*Transaction, 0, len(s.transactions))
	for t := range s.transactions {
		txns = append(txns, t)
	}
	return txns
}

// Close closes every open transaction in parallel, then releases the session.
// It is idempotent.
func (s *Session) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	var g errgroup.Group
	for _, t := range s.Transactions() {
		t := t
		g.Go(t.Close)
	}
	err := g.Wait()
	s.release()
	s.database.sessionClosed(s)
	return err
}

func (s *Session) release() {
	if s.stamp != nil {
		s.stamp.Release()
	}
}
