package permguard

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies denials and faults so callers can map them to
// transport status codes.
type ErrorKind string

const (
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindInsufficientRole    ErrorKind = "insufficient_role"
	KindCompanyAccessDenied ErrorKind = "company_access_denied"
	KindRuleEvaluation      ErrorKind = "rule_evaluation_error"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
)

// Error is the typed error surfaced for every denial kind.
type Error struct {
	Kind     ErrorKind
	Reason   string
	Required []PermissionID
	Held     []PermissionID
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Kind == KindPermissionDenied && (len(e.Required) > 0 || len(e.Held) > 0) {
		msg += fmt.Sprintf(" (required=%v held=%v)", e.Required, e.Held)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrPermissionDenied) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied}
	ErrInsufficientRole    = &Error{Kind: KindInsufficientRole}
	ErrCompanyAccessDenied = &Error{Kind: KindCompanyAccessDenied}
	ErrRuleEvaluation      = &Error{Kind: KindRuleEvaluation}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable}

	// ErrNotFound must be wrapped by stores for missing records.
	ErrNotFound = errors.New("permguard: not found")
)

func storeUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Reason: ReasonStoreUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
}

// StatusCode maps an error from this package to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindPermissionDenied, KindInsufficientRole, KindCompanyAccessDenied:
		return http.StatusForbidden
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
