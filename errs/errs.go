// Package errs provides structured error types and helpers for mwclient.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeProtocol indicates a site response did not have the expected shape.
	CodeProtocol Code = "protocol"
	// CodeStream indicates a malformed frame or transport failure while streaming.
	CodeStream Code = "stream"
	// CodeAuth indicates the login handshake failed.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing ticker, game or similar resource.
	CodeNotFound Code = "not_found"
	// CodeTransaction indicates the site rejected a transaction.
	CodeTransaction Code = "transaction"
	// CodeNetwork indicates an HTTP transport failure.
	CodeNetwork Code = "network"
	// CodeGameRequired indicates the operation needs a game and none is available.
	CodeGameRequired Code = "game_required"
)

// E captures structured error information produced across mwclient.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	RawMsg      string
	Message     string
	Suggestion  string
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSuggestion records a "did you mean" style hint.
func WithSuggestion(suggestion string) Option {
	trimmed := strings.TrimSpace(suggestion)
	return func(e *E) {
		e.Suggestion = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw site response or frame.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Suggestion != "" {
		parts = append(parts, "suggestion="+strconv.Quote(e.Suggestion))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether any error in err's chain is an *E carrying code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf returns the code of the first *E in err's chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Protocol returns a protocol error for op.
func Protocol(op, msg string, opts ...Option) *E {
	return New(op, CodeProtocol, append([]Option{WithMessage(msg)}, opts...)...)
}

// Stream returns a stream error for op wrapping cause.
func Stream(op string, cause error, opts ...Option) *E {
	return New(op, CodeStream, append([]Option{WithCause(cause)}, opts...)...)
}
