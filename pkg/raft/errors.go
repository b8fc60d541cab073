package raft

import (
	"fmt"

	"github.com/go-errors/errors"
)

// Sentinel error kinds, per the error handling design: the kinds a
// failure surfaced to a client future or an RPC reply is classified by.
// Some failures, such as an unknown transaction id, are plain errors
// outside this set.
var (
	errStopped               = errors.Errorf("journalkeeper: server is stopped")
	errNotLeader             = errors.Errorf("journalkeeper: not currently leader")
	errLeaderWriteDisabled   = errors.Errorf("journalkeeper: leader write disabled")
	errTimeout               = errors.Errorf("journalkeeper: response-level deadline exceeded")
	errTransactionInvalid    = errors.Errorf("journalkeeper: transaction invalidated by leader change")
	errMalformedFrame        = errors.Errorf("journalkeeper: malformed frame")
	errUnknownType           = errors.Errorf("journalkeeper: unknown message type")
	errStorageFault          = errors.Errorf("journalkeeper: unrecoverable storage fault")
	errConfigurationConflict = errors.Errorf("journalkeeper: concurrent membership change")
)

// NewErrStopped returns the Stopped error kind.
func NewErrStopped() error { return errors.New(errStopped) }

// IsErrStopped reports whether err is (or wraps) the Stopped error kind.
func IsErrStopped(err error) bool { return errors.Is(err, errStopped) }

// NewErrNotLeader returns the NotLeader error kind, carrying an optional
// hint about the current leader.
func NewErrNotLeader(hint *ServerID) error {
	return &NotLeaderError{Hint: hint, inner: errors.New(errNotLeader)}
}

// NotLeaderError is returned when a write or strong query is issued at a
// non-leader. Hint, if non-nil, names the server the caller should retry.
type NotLeaderError struct {
	Hint  *ServerID
	inner error
}

func (e *NotLeaderError) Error() string {
	if e.Hint != nil {
		return fmt.Sprintf("%s (hint: server %d)", errNotLeader.Error(), *e.Hint)
	}
	return errNotLeader.Error()
}

func (e *NotLeaderError) Unwrap() error { return e.inner }

// IsErrNotLeader reports whether err is (or wraps) the NotLeader error
// kind.
func IsErrNotLeader(err error) bool { return errors.Is(err, errNotLeader) }

// NewErrLeaderWriteDisabled returns the LeaderWriteDisabled error kind.
func NewErrLeaderWriteDisabled() error { return errors.New(errLeaderWriteDisabled) }

// IsErrLeaderWriteDisabled reports whether err is (or wraps) the
// LeaderWriteDisabled error kind.
func IsErrLeaderWriteDisabled(err error) bool { return errors.Is(err, errLeaderWriteDisabled) }

// NewErrTimeout returns the Timeout error kind.
func NewErrTimeout() error { return errors.New(errTimeout) }

// IsErrTimeout reports whether err is (or wraps) the Timeout error kind.
func IsErrTimeout(err error) bool { return errors.Is(err, errTimeout) }

// NewErrTransactionInvalidated returns the TransactionInvalidated error
// kind.
func NewErrTransactionInvalidated() error { return errors.New(errTransactionInvalid) }

// IsErrTransactionInvalidated reports whether err is (or wraps) the
// TransactionInvalidated error kind.
func IsErrTransactionInvalidated(err error) bool { return errors.Is(err, errTransactionInvalid) }

// NewErrMalformedFrame returns the MalformedFrame error kind, wrapping the
// underlying decode failure.
func NewErrMalformedFrame(reason string) error {
	return errors.New(fmt.Errorf("%w: %s", errMalformedFrame, reason))
}

// IsErrMalformedFrame reports whether err is (or wraps) the
// MalformedFrame error kind.
func IsErrMalformedFrame(err error) bool { return errors.Is(err, errMalformedFrame) }

// NewErrUnknownType returns the UnknownType error kind for the given wire
// type code.
func NewErrUnknownType(code uint32) error {
	return errors.New(fmt.Errorf("%w: code=%d", errUnknownType, code))
}

// IsErrUnknownType reports whether err is (or wraps) the UnknownType
// error kind.
func IsErrUnknownType(err error) bool { return errors.Is(err, errUnknownType) }

// NewErrStorageFault returns the StorageFault error kind. This error kind
// is fatal: the server that raises it must halt rather than proceed
// having possibly lost durability guarantees.
func NewErrStorageFault(cause error) error {
	return errors.New(fmt.Errorf("%w: %v", errStorageFault, cause))
}

// IsErrStorageFault reports whether err is (or wraps) the StorageFault
// error kind.
func IsErrStorageFault(err error) bool { return errors.Is(err, errStorageFault) }

// NewErrConfigurationConflict returns the ConfigurationConflict error
// kind, raised when a membership change is proposed while one is already
// in flight.
func NewErrConfigurationConflict() error { return errors.New(errConfigurationConflict) }

// IsErrConfigurationConflict reports whether err is (or wraps) the
// ConfigurationConflict error kind.
func IsErrConfigurationConflict(err error) bool { return errors.Is(err, errConfigurationConflict) }
