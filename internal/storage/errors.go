// Package storage provides ClickHouse persistence for cleaned threat
// events.
package storage

import (
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Storage error sentinels for categorizing failures.
var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrWriterClosed indicates the writer has been shut down.
	ErrWriterClosed = errors.New("storage: writer closed")

	// ErrFatal indicates a storage condition the pipeline cannot work
	// around, such as a full disk or a read-only table. The process
	// should stop rather than keep consuming events it cannot persist.
	ErrFatal = errors.New("storage: fatal condition")
)

// ClickHouse server exception codes that leave the pipeline with no
// usable storage.
const (
	chCodeTableReadOnly  = 242
	chCodeNotEnoughSpace = 243
)

// StorageError wraps storage errors with operation context.
type StorageError struct {
	Op      string // operation that failed, e.g. "Insert", "Connect"
	Table   string // table involved, if applicable
	Err     error
	Retries int // retries attempted, if applicable
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapInsertError wraps an error as a batch insert error, promoting it
// to a fatal condition when the server reports an unrecoverable state.
func WrapInsertError(op, table string, err error, retries int) error {
	wrapped := fmt.Errorf("%w: %v", ErrBatchInsertFailed, err)
	if isFatalCause(err) {
		wrapped = fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return &StorageError{
		Op:      op,
		Table:   table,
		Err:     wrapped,
		Retries: retries,
	}
}

// IsFatal reports whether the error means storage is unusable and the
// process should exit.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func isFatalCause(err error) bool {
	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		switch exc.Code {
		case chCodeTableReadOnly, chCodeNotEnoughSpace:
			return true
		}
	}
	return false
}
