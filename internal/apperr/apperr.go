// Package apperr defines the error taxonomy shared by the engine packages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind categorizes errors.
type Kind string

const (
	KnowledgeBaseNotFound  Kind = "knowledge_base_not_found"
	DimensionMismatch      Kind = "dimension_mismatch"
	ConcurrentTurnConflict Kind = "concurrent_turn_conflict"
	ProviderUnavailable    Kind = "provider_unavailable"
	RateLimited            Kind = "rate_limited"
	DocumentProcessing     Kind = "document_processing_error"
	InvalidStateTransition Kind = "invalid_state_transition"
	SessionNotFound        Kind = "session_not_found"
	DocumentNotFound       Kind = "document_not_found"
	InvalidInput           Kind = "invalid_input"
)

// Error is an engine error carrying a Kind.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so sentinels created with
// New(kind, "") work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New creates an error of the given kind. ProviderUnavailable and RateLimited
// are retryable by default.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == ProviderUnavailable || kind == RateLimited,
	}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// Sentinels for errors.Is.
var (
	ErrKnowledgeBaseNotFound  = &Error{Kind: KnowledgeBaseNotFound}
	ErrDimensionMismatch      = &Error{Kind: DimensionMismatch}
	ErrConcurrentTurnConflict = &Error{Kind: ConcurrentTurnConflict}
	ErrProviderUnavailable    = &Error{Kind: ProviderUnavailable}
	ErrRateLimited            = &Error{Kind: RateLimited}
	ErrDocumentProcessing     = &Error{Kind: DocumentProcessing}
	ErrInvalidStateTransition = &Error{Kind: InvalidStateTransition}
	ErrSessionNotFound        = &Error{Kind: SessionNotFound}
	ErrDocumentNotFound       = &Error{Kind: DocumentNotFound}
	ErrInvalidInput           = &Error{Kind: InvalidInput}
)

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfterOf returns the provider-suggested delay, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromStatus classifies a collaborator failure by HTTP status. 429 maps to
// RateLimited, 5xx and transport failures (status 0) to ProviderUnavailable.
// Other statuses are returned as non-retryable ProviderUnavailable.
func FromStatus(provider string, status int, retryAfter string, err error) *Error {
	switch {
	case status == 429:
		e := Wrap(RateLimited, err, "%s rate limited", provider)
		e.RetryAfter = parseRetryAfter(retryAfter)
		return e
	case status == 0 || status >= 500:
		return Wrap(ProviderUnavailable, err, "%s unavailable", provider)
	default:
		e := Wrap(ProviderUnavailable, err, "%s rejected request (status %d)", provider, status)
		e.Retryable = false
		return e
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
