package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests rejected before any state change.
	ErrValidation = errors.New("relay: validation failed")
	// ErrConflict marks a device id owned by another user.
	ErrConflict = errors.New("relay: conflict")
	// ErrNotFound marks a missing device or entity.
	ErrNotFound = errors.New("relay: not found")
	// ErrStorage marks a storage failure; the caller may retry.
	ErrStorage = errors.New("relay: storage failure")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "relay.service.new"
	opUpload             = "relay.upload"
	opFetch              = "relay.fetch"
	opRegisterDevice     = "relay.register_device"
	opListDevices        = "relay.list_devices"
	opAcknowledgeCursor  = "relay.acknowledge_cursor"
	opRecordServerChange = "relay.record_server_change"
	opMarkNotified       = "relay.mark_time_slot_notified"
	opSeedClock          = "relay.seed_clock"
)

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	if cause == nil {
		return &ServiceError{code: code, err: kind}
	}
	return &ServiceError{code: code, err: fmt.Errorf("%w: %w", kind, cause)}
}
