package troupeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API call failure once, centrally, instead of every
// call site re-inspecting transport errors and status codes.
type Kind string

const (
	// KindNetwork - the request never reached the API, or no response came back
	KindNetwork Kind = "network"
	// KindTimeout - the request was cancelled by its deadline
	KindTimeout Kind = "timeout"
	// KindHTTP - the API responded with a failure status
	KindHTTP Kind = "http"
	// KindValidation - rejected gateway-side, before any request was sent
	KindValidation Kind = "validation"
	// KindDecode - the API responded, but the payload did not parse
	KindDecode Kind = "decode"
)

type Error struct {
	Kind   Kind
	Status int // set for KindHTTP only
	Msg    string
	cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("troupe api: http %d: %s", e.Status, e.Msg)
	default:
		return fmt.Sprintf("troupe api: %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func newDecodeError(err error) *Error {
	return &Error{Kind: KindDecode, Msg: err.Error(), cause: err}
}

func newHTTPError(status int, body string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Msg: body}
}

// classifyTransportErr maps an http.Client.Do failure to a timeout or
// network error kind.
func classifyTransportErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Msg: err.Error(), cause: err}
	}
	var timeouter interface{ Timeout() bool }
	if errors.As(err, &timeouter) && timeouter.Timeout() {
		return &Error{Kind: KindTimeout, Msg: err.Error(), cause: err}
	}
	return &Error{Kind: KindNetwork, Msg: err.Error(), cause: err}
}

// ErrKind returns the classification of err, or an empty kind for
// errors not coming from this client.
func ErrKind(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func IsTimeout(err error) bool {
	return ErrKind(err) == KindTimeout
}

func IsValidation(err error) bool {
	return ErrKind(err) == KindValidation
}

// HTTPStatus returns the status code for KindHTTP errors and 0 otherwise.
func HTTPStatus(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindHTTP {
		return apiErr.Status
	}
	return 0
}

// GatewayStatus maps an API call failure to the status the gateway
// should respond with. Remote HTTP failures pass their status through.
func GatewayStatus(err error) int {
	switch ErrKind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	case KindDecode:
		return http.StatusBadGateway
	case KindHTTP:
		return HTTPStatus(err)
	default:
		return http.StatusInternalServerError
	}
}

// IsConflict reports whether the API rejected the call because the
// target resource is referenced or already processed, e.g. deleting an
// event type with dependent bookings, or marking attendance twice.
func IsConflict(err error) bool {
	status := HTTPStatus(err)
	return status == http.StatusBadRequest || status == http.StatusConflict
}
