package agent

import (
	"errors"
	"fmt"
)

// Kind classifies how a run ended or why an operation failed.
type Kind string

const (
	KindCancelled      Kind = "Cancelled"
	KindBudgetExceeded Kind = "BudgetExceeded"
	KindTurnLimit      Kind = "TurnLimit"
	KindBailed         Kind = "Bailed"
	KindLLMTransient   Kind = "LLMTransient"
	KindLLMFatal       Kind = "LLMFatal"
	KindToolFailure    Kind = "ToolFailure"
	KindToolBlocked    Kind = "ToolBlocked"
	KindLSPTimeout     Kind = "LSPTimeout"
	KindLSPServerDown  Kind = "LSPServerDown"
	KindTransportError Kind = "TransportError"
	KindInvalidInput   Kind = "InvalidInput"
)

// Error is a classified agent error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, or KindLLMFatal for unclassified
// errors reaching a terminal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindLLMFatal
}
