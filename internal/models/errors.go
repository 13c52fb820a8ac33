package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage rejects a prompt whose text is blank.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrNoEligibleProviders rejects a dispatch with no targets left after removing paused ones.
	ErrNoEligibleProviders = errors.New("no eligible providers")
	// ErrNoSelection rejects a derivative request built from zero messages.
	ErrNoSelection = errors.New("no messages selected")
	// ErrNoSynthesisTargets rejects a synthesis with no target providers.
	ErrNoSynthesisTargets = errors.New("no synthesis targets")
	// ErrUnauthorized rejects a caller before any dispatch begins.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownModel indicates a model identifier outside the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrDispatchInProgress rejects a second concurrent dispatch on one conversation.
	ErrDispatchInProgress = errors.New("a dispatch is already in progress for this conversation")
	// ErrConversationNotFound indicates an unknown or foreign conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound indicates an unknown message identifier.
	ErrMessageNotFound = errors.New("message not found")
	// ErrTransport indicates the multiplexed connection dropped before completion.
	ErrTransport = errors.New("stream transport interrupted")
)

// ErrorKind classifies a per-provider failure.
type ErrorKind string

const (
	ErrorKindCredentials ErrorKind = "credentials"
	ErrorKindRateLimit   ErrorKind = "rate_limit"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUpstream    ErrorKind = "upstream"
	ErrorKindMalformed   ErrorKind = "malformed"
	ErrorKindCanceled    ErrorKind = "canceled"
)

// ProviderError is a failure isolated to one provider's response. It travels as data
// on the final DeltaEvent of that provider and never aborts sibling streams.
type ProviderError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewProviderError builds a ProviderError with a formatted message.
func NewProviderError(kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsProviderError converts any error into a ProviderError. Deadline errors become
// timeouts; existing ProviderErrors pass through unchanged.
func AsProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ErrorKindTimeout, Message: "upstream request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Kind: ErrorKindCanceled, Message: "request canceled"}
	}
	return &ProviderError{Kind: ErrorKindUpstream, Message: err.Error()}
}
