package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTableName is returned before any SQL runs when a name does
	// not match the table-name pattern.
	ErrInvalidTableName = errors.New("store: invalid table name")

	// ErrTableNotFound is returned when the named table does not exist.
	ErrTableNotFound = errors.New("store: table not found")

	// ErrTableExists is the cause of a TableCreationError on a name collision.
	ErrTableExists = errors.New("store: table already exists")
)

// TableCreationError is returned when CreateTable fails. Nothing of the
// table survives it.
type TableCreationError struct {
	Table string
	Cause error
}

func (e *TableCreationError) Error() string {
	return fmt.Sprintf("store: create table %s: %v", e.Table, e.Cause)
}

func (e *TableCreationError) Unwrap() error { return e.Cause }

// DatabaseError wraps any other failure of operation Op, including a
// connection that could not be acquired within the acquisition timeout.
type DatabaseError struct {
	Op    string
	Cause error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }
