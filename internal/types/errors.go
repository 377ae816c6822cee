package types

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a class of daemon error. Kinds are stable
// protocol-visible strings: they travel in command-channel error
// responses and clients match on them.
type ErrorKind string

const (
	KindConnectorError  ErrorKind = "ConnectorError"
	KindOsInitError     ErrorKind = "OsInitError"
	KindSessionNotFound ErrorKind = "SessionNotFound"
	KindSessionClosing  ErrorKind = "SessionClosing"
	KindProcessNotFound ErrorKind = "ProcessNotFound"
	KindAmbiguousName   ErrorKind = "AmbiguousName"
	KindMemoryAccess    ErrorKind = "MemoryAccessError"
	KindTranslation     ErrorKind = "TranslationError"
	KindMount           ErrorKind = "MountError"
	KindGdbStub         ErrorKind = "GdbStubError"
	KindProtocol        ErrorKind = "ProtocolError"
)

// Reason narrows an ErrorKind to a specific failure mode.
type Reason string

// MemoryAccessError reasons.
const (
	ReasonUnmapped         Reason = "Unmapped"
	ReasonPermissionDenied Reason = "PermissionDenied"
	ReasonOutOfRange       Reason = "OutOfRange"
)

// MountError reasons.
const (
	ReasonAlreadyMounted Reason = "AlreadyMounted"
	ReasonNotMounted     Reason = "NotMounted"
	ReasonUnmounting     Reason = "Unmounting"
)

// GdbStubError reasons.
const (
	ReasonAlreadyAttached Reason = "AlreadyAttached"
	ReasonPortInUse       Reason = "PortInUse"
	ReasonUnsupported     Reason = "Unsupported"
	ReasonNotListening    Reason = "NotListening"
)

// ProtocolError reasons.
const (
	ReasonMalformed      Reason = "Malformed"
	ReasonUnknownCommand Reason = "UnknownCommand"
)

// Error is the structured error carried across all daemon boundaries.
// It supports error wrapping and matches under errors.Is by Kind and,
// when the target specifies one, by Reason.
type Error struct {
	Kind    ErrorKind
	Reason  Reason
	Message string
	Cause   error
}

// Error implements the error interface.
// Format: "Kind/Reason: message" or "Kind: message", with the cause
// appended when present.
func (e *Error) Error() string {
	head := string(e.Kind)
	if e.Reason != "" {
		head = fmt.Sprintf("%s/%s", e.Kind, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", head, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", head, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches target errors by Kind. If the target carries a Reason,
// the Reason must match too, so errors.Is(err, ErrNotMounted) is
// stricter than errors.Is(err, &Error{Kind: KindMount}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	if e.Kind != te.Kind {
		return false
	}
	return te.Reason == "" || e.Reason == te.Reason
}

// New creates an Error with the given kind and message.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewReason creates an Error narrowed to a specific reason.
func NewReason(kind ErrorKind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// NewReasonf creates a reason-narrowed Error with a formatted message.
func NewReasonf(kind ErrorKind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an existing cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapReason creates a reason-narrowed Error that wraps a cause.
func WrapReason(kind ErrorKind, reason Reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// Sentinel targets for errors.Is matching.
var (
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}
	ErrSessionClosing  = &Error{Kind: KindSessionClosing}
	ErrProcessNotFound = &Error{Kind: KindProcessNotFound}
	ErrAmbiguousName   = &Error{Kind: KindAmbiguousName}
	ErrMemoryAccess    = &Error{Kind: KindMemoryAccess}
	ErrUnmapped        = &Error{Kind: KindMemoryAccess, Reason: ReasonUnmapped}
	ErrTranslation     = &Error{Kind: KindTranslation}
	ErrNotMounted      = &Error{Kind: KindMount, Reason: ReasonNotMounted}
	ErrUnmounting      = &Error{Kind: KindMount, Reason: ReasonUnmounting}
	ErrAlreadyAttached = &Error{Kind: KindGdbStub, Reason: ReasonAlreadyAttached}
	ErrUnsupported     = &Error{Kind: KindGdbStub, Reason: ReasonUnsupported}
)

// KindOf extracts the ErrorKind from an error chain. Errors outside
// the taxonomy report as ProtocolError so they still serialize.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

// ReasonOf extracts the Reason from an error chain, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
