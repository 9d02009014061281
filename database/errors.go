package database

import (
	"github.com/pingcap/errors"
	"github.com/tinygraph-incubator/tinygraph/storage"
)

var (
	// ErrResourceClosed is returned by operations on a closed database or session.
	ErrResourceClosed = storage.ErrResourceClosed
	// ErrTransactionClosed is returned when a committed, rolled back or closed transaction is used.
	ErrTransactionClosed = errors.New("transaction is closed")
	// ErrIllegalCommit is returned when a read transaction is committed.
	ErrIllegalCommit = errors.New("read transactions cannot be committed")
	// ErrSchemaLockTimeout is returned when the exclusive schema lock is not acquired in time.
	ErrSchemaLockTimeout = errors.New("timed out acquiring the schema write lock")
	// ErrDataLockTimeout is returned when the shared schema lock of a data write is not acquired in time.
	ErrDataLockTimeout = errors.New("timed out acquiring the schema read lock for a data write")
	// ErrSessionSchemaViolation is returned when a schema transaction commits modified data.
	ErrSessionSchemaViolation = errors.New("schema transactions cannot commit data modifications")
	// ErrSessionDataViolation is returned when a data transaction commits schema modifications.
	ErrSessionDataViolation = errors.New("data transactions cannot commit schema modifications")

	ErrDatabaseExists       = errors.New("database already exists")
	ErrDatabaseNotFound     = errors.New("database not found")
	ErrInvalidDatabaseName  = errors.New("invalid database name")
	ErrIncompatibleEncoding = errors.New("database was written with an incompatible encoding version")
)
