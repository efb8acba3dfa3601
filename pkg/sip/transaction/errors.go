package transaction

import "errors"

var (
	// ErrInvalidRequest is returned for requests the engine cannot track
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTransactionNotFound is returned when no transaction matches a message
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionExists is returned when a branch is already in use
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrInvalidState is returned when operation is invalid for current state
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrTimeout is carried by EventTimeout
	ErrTimeout = errors.New("transaction timeout")

	// ErrTerminated is returned when operation is attempted on terminated transaction
	ErrTerminated = errors.New("transaction terminated")

	// ErrTransportFailure is carried by EventTransportFailure
	ErrTransportFailure = errors.New("transport failure")

	// ErrCannotCancel is returned when CANCEL is not allowed
	ErrCannotCancel = errors.New("cannot cancel transaction in current state")

	// ErrEngineClosed is returned after Close
	ErrEngineClosed = errors.New("transaction engine closed")
)
