// Package errs carries the structured error taxonomy shared by the gateway,
// tool client, decision evaluator and voice client so failures can be
// serialized directly into WS/HTTP error payloads instead of being
// stringly-typed at each boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy of the system. These are carried as
// data, not as distinct Go types, so callers can switch on Kind without an
// errors.As chain per kind.
type Kind string

const (
	ClientProtocolError  Kind = "ClientProtocolError"
	SessionNotFound      Kind = "SessionNotFound"
	StorageUnavailable   Kind = "StorageUnavailable"
	AgentUnreachable     Kind = "AgentUnreachable"
	ToolNotFound         Kind = "ToolNotFound"
	ToolUpstream         Kind = "ToolUpstream"
	ToolTimeout          Kind = "ToolTimeout"
	ToolUnauthorized     Kind = "Unauthorized"
	ToolMalformed        Kind = "Malformed"
	DecisionLLMError     Kind = "DecisionLLMError"
	VoiceStreamError     Kind = "VoiceStreamError"
	MultipleHandoffBlock Kind = "MultipleHandoffBlocked"
	WorkflowInvalid      Kind = "WorkflowInvalid"
	PersonaMissing       Kind = "PersonaMissing"
	PromptMissing        Kind = "PromptMissing"
	ValidationError      Kind = "ValidationError"
	NotFound             Kind = "NotFound"
	Conflict             Kind = "Conflict"
)

// Error is the structured error value passed across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Of extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns the empty Kind.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
