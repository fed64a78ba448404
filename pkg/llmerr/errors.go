// Package llmerr classifies failures from providers and stores so callers
// can decide between retrying, warning and aborting.
package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindAlreadyExists
	KindRateLimit
	KindTimeout
	KindTransientServer
	KindCacheCorruption
	KindSessionWrite
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindAuth:            "auth",
	KindValidation:      "validation",
	KindNotFound:        "not found",
	KindAlreadyExists:   "already exists",
	KindRateLimit:       "rate limit",
	KindTimeout:         "timeout",
	KindTransientServer: "server error",
	KindCacheCorruption: "cache corruption",
	KindSessionWrite:    "session write",
	KindCancelled:       "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrAuth            = &Error{Kind: KindAuth}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrTransientServer = &Error{Kind: KindTransientServer}
	ErrCacheCorruption = &Error{Kind: KindCacheCorruption}
	ErrSessionWrite    = &Error{Kind: KindSessionWrite}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// KindOf returns the Kind of err. Context errors and network timeouts are
// classified even when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Retryable reports whether err belongs to a transient class.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindTransientServer:
		return true
	}
	return false
}

// FromStatus classifies an HTTP error response from a provider.
func FromStatus(op string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	cause := fmt.Errorf("status %d: %s", status, msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(KindAuth, op, cause)
	case status == http.StatusTooManyRequests:
		return New(KindRateLimit, op, cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return New(KindTimeout, op, cause)
	case status >= 500:
		return New(KindTransientServer, op, cause)
	default:
		return New(KindValidation, op, cause)
	}
}

// Classify wraps a transport error from op. Already classified errors pass
// through unchanged. Unknown transport failures count as transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch KindOf(err) {
	case KindCancelled:
		return New(KindCancelled, op, err)
	case KindTimeout:
		return New(KindTimeout, op, err)
	}
	return New(KindTransientServer, op, err)
}
