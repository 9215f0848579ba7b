package device

import (
	"fmt"
	"strings"
)

// ErrorCode enumerates the closed set of connectivity failures. Every failure
// observable outside the core is one of these; raw transport or codec errors
// never cross the boundary.
type ErrorCode string

const (
	CodePairingInProgress  ErrorCode = "pairing_in_progress"
	CodeProvisioningFailed ErrorCode = "provisioning_failed"
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodeTimeout            ErrorCode = "timeout"
	CodeTransport          ErrorCode = "transport"
	CodeMissingSession     ErrorCode = "missing_session"
)

// Error is a connectivity failure. Only the fields relevant to Code are set.
type Error struct {
	Code          ErrorCode `json:"code"`
	Reason        string    `json:"reason,omitempty"`
	Permissions   []string  `json:"permissions,omitempty"`
	TimeoutMillis int64     `json:"timeout_millis,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
}

func (e *Error) Error() string {
	switch e.Code {
	case CodePairingInProgress:
		return fmt.Sprintf("pairing already in progress for %s", e.DeviceName)
	case CodeProvisioningFailed:
		return fmt.Sprintf("provisioning failed: %s", e.Reason)
	case CodePermissionDenied:
		return fmt.Sprintf("missing permissions: %s", strings.Join(e.Permissions, ", "))
	case CodeTimeout:
		return fmt.Sprintf("operation timed out after %dms", e.TimeoutMillis)
	case CodeTransport:
		return fmt.Sprintf("transport failure: %s", e.Reason)
	case CodeMissingSession:
		return "no active session"
	default:
		return string(e.Code)
	}
}

// Transient reports whether the failure class qualifies for automatic retry.
// Permission and credential failures require new input from the user.
func (e *Error) Transient() bool {
	return e.Code == CodeTimeout || e.Code == CodeTransport
}

func ErrPairingInProgress(deviceName string) *Error {
	return &Error{Code: CodePairingInProgress, DeviceName: deviceName}
}

func ErrProvisioningFailed(reason string) *Error {
	return &Error{Code: CodeProvisioningFailed, Reason: reason}
}

func ErrPermissionDenied(permissions []string) *Error {
	return &Error{Code: CodePermissionDenied, Permissions: permissions}
}

func ErrTimeout(timeoutMillis int64) *Error {
	return &Error{Code: CodeTimeout, TimeoutMillis: timeoutMillis}
}

func ErrTransport(reason string) *Error {
	return &Error{Code: CodeTransport, Reason: reason}
}

func ErrMissingSession() *Error {
	return &Error{Code: CodeMissingSession}
}
