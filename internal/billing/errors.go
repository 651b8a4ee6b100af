package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler indicates a billing-relevant entry whose event type has no registered handler.
	ErrNoHandler = errors.New("billing: no handler registered for event type")
	// ErrMissingQuantity indicates a quantity reset without a quantity argument.
	ErrMissingQuantity = errors.New("billing: quantity argument required")
	// ErrInvalidExtraData indicates an entry payload that cannot be decoded.
	ErrInvalidExtraData = errors.New("billing: invalid extra data")

	errMissingCursorStore = errors.New("cursor store is required")
	errMissingDirectory   = errors.New("account directory is required")
	errMissingProvider    = errors.New("subscription provider is required")
)

// ServiceError carries a stable "<operation>.<reason>" code for operators.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opProcessorNew = "billing.processor.new"
	opAdvance      = "billing.advance"
	opProcessEntry = "billing.process_entry"
	opClearStall   = "billing.clear_stall"
)

const (
	reasonMissingCursorStore = "missing_cursor_store"
	reasonMissingDirectory   = "missing_directory"
	reasonMissingProvider    = "missing_provider"
	reasonCursorLoadFailed   = "cursor_load_failed"
	reasonLookupFailed       = "lookup_failed"
	reasonDrainFailed        = "drain_failed"
	reasonIsolationFailed    = "isolation_failed"
	reasonStallFailed        = "stall_failed"
	reasonCheckpointFailed   = "checkpoint_failed"
	reasonAccountMissing     = "account_missing"
	reasonArgumentsInvalid   = "arguments_invalid"
	reasonHandlerMissing     = "handler_missing"
	reasonHandlerFailed      = "handler_failed"
	reasonCompletionFailed   = "completion_failed"
	reasonResolutionFailed   = "resolution_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
