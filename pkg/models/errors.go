package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how far they propagate.
type ErrorKind string

const (
	// KindConfiguration aborts the whole run before any mutation.
	KindConfiguration ErrorKind = "configuration"
	// KindSelection aborts batch creation.
	KindSelection ErrorKind = "selection"
	// KindTransfer fails a single job; the batch continues.
	KindTransfer ErrorKind = "transfer"
	// KindDeletion is logged only; the destination copy already exists.
	KindDeletion ErrorKind = "deletion"
)

var (
	ErrInvalidTier             = errors.New("invalid tier")
	ErrInvalidConnectionString = errors.New("invalid connection string")
	ErrInvalidArguments        = errors.New("invalid parameters")
	ErrInvalidSelection        = errors.New("invalid selection expression")
	ErrObjectNotFound          = errors.New("invalid source blob name")
	ErrCopyToolNotFound        = errors.New("copy tool not found")
	ErrDestinationExists       = errors.New("destination object already exists")
	ErrRecordExists            = errors.New("batch record already exists")
	ErrRecordNotFound          = errors.New("batch record not found")
)

// Error carries a kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConfigurationError wraps err as a fatal configuration failure.
func ConfigurationError(op string, err error) error {
	return newError(KindConfiguration, op, err)
}

// SelectionError wraps err as a batch-creation selection failure.
func SelectionError(op string, err error) error {
	return newError(KindSelection, op, err)
}

// TransferError wraps err as a per-object transfer failure.
func TransferError(op string, err error) error {
	return newError(KindTransfer, op, err)
}

// DeletionError wraps err as a non-fatal source deletion failure.
func DeletionError(op string, err error) error {
	return newError(KindDeletion, op, err)
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsFatal reports whether err must terminate the run.
func IsFatal(err error) bool {
	return IsKind(err, KindConfiguration) || IsKind(err, KindSelection)
}
