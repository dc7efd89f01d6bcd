// Package apperrors defines the sentinel error taxonomy shared by the
// store, container engine, instance service, and dispatcher layers.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound indicates no instance row exists for a device id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists indicates a START was issued against an
	// already-ACTIVE instance.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrMalformedMessage indicates an inbound command frame failed to
	// decode or was missing a required field.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrContainerNotFound indicates the engine has no container by that name.
	ErrContainerNotFound = errors.New("container not found")

	// ErrEngineUnavailable indicates the engine daemon could not be reached
	// (connection refused, ping failure).
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrEngineError indicates the engine reached but rejected or failed a
	// call for a reason other than a missing container.
	ErrEngineError = errors.New("engine error")

	// ErrWorkerError indicates the worker process printed a fatal
	// "[ERROR n]" log line during wait_for_start.
	ErrWorkerError = errors.New("worker reported a fatal error")

	// ErrStartTimeout indicates wait_for_start's deadline elapsed without a
	// "[SUCCESS 4]" marker.
	ErrStartTimeout = errors.New("container did not report a successful start before the deadline")

	// ErrInternal is the catch-all surfaced to bus callers as code 5000.
	ErrInternal = errors.New("internal error")

	// ErrDomainLogic marks a programmer error — an invariant the store or
	// service must never allow, as opposed to a caller mistake. Callers
	// MUST NOT catch and mask this; it is meant to crash the offending
	// pass so the bug surfaces.
	ErrDomainLogic = errors.New("domain logic violation")
)

// NotFoundError reports which instance id was missing.
type NotFoundError struct {
	DeviceID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %d not found", e.DeviceID)
}

func (e *NotFoundError) Unwrap() error { return ErrInstanceNotFound }

// NewNotFoundError builds an ErrInstanceNotFound for a specific device.
func NewNotFoundError(deviceID int64) error {
	return &NotFoundError{DeviceID: deviceID}
}

// AlreadyExistsError reports a conflicting START against an ACTIVE instance.
type AlreadyExistsError struct {
	DeviceID int64
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("instance %d already active", e.DeviceID)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrInstanceAlreadyExists }

// NewAlreadyExistsError builds an ErrInstanceAlreadyExists for a device.
func NewAlreadyExistsError(deviceID int64) error {
	return &AlreadyExistsError{DeviceID: deviceID}
}

// MalformedMessageError carries the reason a command frame was rejected.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error { return ErrMalformedMessage }

// NewMalformedMessageError builds an ErrMalformedMessage with context.
func NewMalformedMessageError(reason string) error {
	return &MalformedMessageError{Reason: reason}
}

// DomainLogicError marks a store or service invariant violation — e.g.
// updated_at < created_at. It is never swallowed into a bus ack.
type DomainLogicError struct {
	Invariant string
	Detail    string
}

func (e *DomainLogicError) Error() string {
	return fmt.Sprintf("domain invariant violated (%s): %s", e.Invariant, e.Detail)
}

func (e *DomainLogicError) Unwrap() error { return ErrDomainLogic }

// NewDomainLogicError builds an ErrDomainLogic for a named invariant.
func NewDomainLogicError(invariant, detail string) error {
	return &DomainLogicError{Invariant: invariant, Detail: detail}
}

// EngineError wraps a low-level engine failure with the operation and
// container name that triggered it, unwrapping to either ErrEngineUnavailable
// or ErrEngineError depending on Unavailable.
type EngineError struct {
	Op          string
	Container   string
	Unavailable bool
	Err         error
}

func (e *EngineError) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("engine %s(%s): %v", e.Op, e.Container, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() []error {
	if e.Unavailable {
		return []error{ErrEngineUnavailable, e.Err}
	}
	return []error{ErrEngineError, e.Err}
}

// NewEngineError wraps err as an engine failure for op on container.
func NewEngineError(op, container string, unavailable bool, err error) error {
	return &EngineError{Op: op, Container: container, Unavailable: unavailable, Err: err}
}

// IsNotFound reports whether err is, or wraps, ErrInstanceNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrInstanceNotFound) }

// IsAlreadyExists reports whether err is, or wraps, ErrInstanceAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrInstanceAlreadyExists) }

// IsContainerNotFound reports whether err is, or wraps, ErrContainerNotFound.
func IsContainerNotFound(err error) bool { return errors.Is(err, ErrContainerNotFound) }

// IsEngineUnavailable reports whether err is, or wraps, ErrEngineUnavailable.
func IsEngineUnavailable(err error) bool { return errors.Is(err, ErrEngineUnavailable) }

// IsEngineError reports whether err is, or wraps, ErrEngineError.
func IsEngineError(err error) bool { return errors.Is(err, ErrEngineError) }

// IsDomainLogic reports whether err is, or wraps, ErrDomainLogic.
func IsDomainLogic(err error) bool { return errors.Is(err, ErrDomainLogic) }
