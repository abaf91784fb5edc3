// Package core defines the error taxonomy shared by the store, lease manager,
// realtime hub and their transport adapters.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound reports an absent key on get or delete.
	ErrNotFound = errors.New("not found")
	// ErrLocked reports a mutation or acquire against a lease held by
	// another identity.
	ErrLocked = errors.New("locked")
	// ErrNotHolder reports a release by an identity that does not hold the
	// lease.
	ErrNotHolder = errors.New("not lease holder")
	// ErrIO reports a persist or restore failure in the storage backend.
	ErrIO = errors.New("io failure")
	// ErrDecode reports corrupt persisted data.
	ErrDecode = errors.New("decode failure")
	// ErrUnauthenticated reports a request or connection without a usable
	// identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Failure captures transport-neutral error details that adapters map to HTTP
// responses or WebSocket close frames.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int
	Err        error
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func (f Failure) Unwrap() error { return f.Err }

// Locked builds the failure returned when resource is held by holder.
func Locked(resource, holder string) error {
	return Failure{
		Code:       "locked",
		Detail:     fmt.Sprintf("%s held by %s", resource, holder),
		HTTPStatus: http.StatusConflict,
		Err:        ErrLocked,
	}
}

// NotHolder builds the failure returned when requester tries to release a
// lease it does not hold.
func NotHolder(resource, requester string) error {
	return Failure{
		Code:       "not_holder",
		Detail:     fmt.Sprintf("%s is not held by %s", resource, requester),
		HTTPStatus: http.StatusConflict,
		Err:        ErrNotHolder,
	}
}

// NotFound builds the failure returned for an absent key.
func NotFound(key string) error {
	return Failure{
		Code:       "not_found",
		Detail:     key,
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

// AsFailure converts err into a Failure. Errors wrapping one of the sentinel
// values get its code and status; anything else is reported as
// internal_error.
func AsFailure(err error) Failure {
	var f Failure
	if errors.As(err, &f) {
		if f.HTTPStatus == 0 {
			f.HTTPStatus = http.StatusInternalServerError
		}
		return f
	}
	f = Failure{Detail: err.Error(), Err: err}
	switch {
	case errors.Is(err, ErrNotFound):
		f.Code, f.HTTPStatus = "not_found", http.StatusNotFound
	case errors.Is(err, ErrLocked):
		f.Code, f.HTTPStatus = "locked", http.StatusConflict
	case errors.Is(err, ErrNotHolder):
		f.Code, f.HTTPStatus = "not_holder", http.StatusConflict
	case errors.Is(err, ErrUnauthenticated):
		f.Code, f.HTTPStatus = "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, ErrDecode):
		f.Code, f.HTTPStatus = "decode_failure", http.StatusInternalServerError
	case errors.Is(err, ErrIO):
		f.Code, f.HTTPStatus = "io_failure", http.StatusInternalServerError
	default:
		f.Code, f.HTTPStatus = "internal_error", http.StatusInternalServerError
	}
	return f
}

// Expected reports whether err is an ordinary outcome (not found, locked,
// not holder) that callers log at debug level.
func Expected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLocked) || errors.Is(err, ErrNotHolder)
}
