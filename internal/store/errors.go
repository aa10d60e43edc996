package store

import (
	"errors"
	"fmt"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrBranchNotFound   = errors.New("branch not found")
)

// PersistenceError wraps a failure of the underlying durable store. The
// caller may retry manually; the core never retries on its own.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// WrapPersistence tags err as a PersistenceError unless it is one of the
// shared sentinels, which pass through untouched.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrBranchNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
