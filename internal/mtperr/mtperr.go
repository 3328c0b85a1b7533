// Package mtperr defines the closed set of error values the rest of
// the stack raises, and the user-facing recovery suggestion attached
// to each.
package mtperr

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no parameters.
var (
	ErrDeviceDisconnected = errors.New("mtp: device disconnected")
	ErrPermissionDenied   = errors.New("mtp: permission denied")
	ErrObjectNotFound     = errors.New("mtp: object not found")
	ErrStorageFull        = errors.New("mtp: storage full")
	ErrWriteProtected     = errors.New("mtp: object write protected")
	ErrReadOnly           = errors.New("mtp: storage is read-only")
	ErrTimeout            = errors.New("mtp: operation timed out")
	ErrBusy               = errors.New("mtp: device busy")
	ErrObjectTooLarge     = errors.New("mtp: object too large for device")
)

// Suggestion returns a short user-facing recovery suggestion for err,
// or "" if err is not one of the errors this package knows about.
func Suggestion(err error) string {
	switch {
	case errors.Is(err, ErrDeviceDisconnected):
		return "Reconnect the device and try again."
	case errors.Is(err, ErrPermissionDenied):
		return "Check USB permissions (udev rules / device ACL) for this user."
	case errors.Is(err, ErrObjectNotFound):
		return "The object may have been deleted on the device; refresh and retry."
	case errors.Is(err, ErrStorageFull):
		return "Free space on the device storage and retry."
	case errors.Is(err, ErrWriteProtected):
		return "The object or storage is write protected on the device."
	case errors.Is(err, ErrReadOnly):
		return "This storage does not accept writes."
	case errors.Is(err, ErrTimeout):
		return "The device did not respond in time; retry or reconnect."
	case errors.Is(err, ErrBusy):
		return "The device is busy with another operation; retry shortly."
	case errors.Is(err, ErrObjectTooLarge):
		return "The device rejected the object as too large; it may not support files of this size."
	}

	var ns *NotSupportedError
	if errors.As(err, &ns) {
		return fmt.Sprintf("Operation %q is not supported by this device.", ns.Op)
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return "The device returned an unexpected protocol error; see logs for the raw code."
	}

	var te *TransportError
	if errors.As(err, &te) {
		return "A USB transport error occurred; the connection may need to be reset."
	}

	var pf *PreconditionFailedError
	if errors.As(err, &pf) {
		return pf.Msg
	}

	return ""
}

// NotSupportedError reports that the device does not implement
// operation Op.
type NotSupportedError struct {
	Op string
}

func (e *NotSupportedError) Error() string { return fmt.Sprintf("mtp: operation not supported: %s", e.Op) }

// TransportKind classifies the sub-kind of a TransportError, matching
// the recovery ladder's rungs.
type TransportKind int

const (
	TransportIO TransportKind = iota
	TransportClaimFailed
	TransportStall
	TransportResetFailed
	TransportNoCandidateInterface
)

func (k TransportKind) String() string {
	switch k {
	case TransportIO:
		return "io"
	case TransportClaimFailed:
		return "claim-failed"
	case TransportStall:
		return "stall"
	case TransportResetFailed:
		return "reset-failed"
	case TransportNoCandidateInterface:
		return "no-candidate-interface"
	default:
		return "unknown"
	}
}

// TransportError wraps a lower-level USB transport failure with the
// kind of failure that occurred, so recovery logic can dispatch on it
// without string matching.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mtp: transport error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mtp: transport error (%s)", e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a PTP response code the core has no specific
// mapping for, together with the device's optional textual message.
type ProtocolError struct {
	Code uint16
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("mtp: protocol error 0x%04x: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("mtp: protocol error 0x%04x", e.Code)
}

// PreconditionFailedError reports that an operation's preflight check
// failed (e.g. writeToSubfolderOnly violated).
type PreconditionFailedError struct {
	Msg string
}

func (e *PreconditionFailedError) Error() string { return fmt.Sprintf("mtp: precondition failed: %s", e.Msg) }
