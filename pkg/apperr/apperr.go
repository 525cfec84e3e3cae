// Package apperr defines the error taxonomy shared by the classification
// pipeline, the job orchestrator and the HTTP layer.
//
// Every error that crosses a component boundary is either an *Error carrying
// a Kind, or a foreign error that KindOf classifies as InternalFailure. The
// HTTP layer renders both through Detail, so callers always receive a
// machine-readable kind plus a human-readable description.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and rendering.
type Kind string

const (
	MalformedInput   Kind = "MalformedInput"
	InvalidInterval  Kind = "InvalidInterval"
	ModelUnavailable Kind = "ModelUnavailable"
	NotFound         Kind = "NotFound"
	InternalFailure  Kind = "InternalFailure"
	Unavailable      Kind = "Unavailable"
	Unauthorized     Kind = "Unauthorized"
	TooLarge         Kind = "TooLarge"
)

// internalDescription replaces the message of errors that were not raised
// deliberately, so wrapped causes and file paths never reach clients.
const internalDescription = "The server encountered an internal error and was unable to complete your request."

// Error is a classified error.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind that wraps err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err. Unclassified errors are InternalFailure.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return InternalFailure
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps a Kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case MalformedInput, InvalidInterval:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case ModelUnavailable, Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus maps an HTTP status code received from a server back to a
// Kind. 400 is reported as MalformedInput.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return MalformedInput
	case http.StatusNotFound:
		return NotFound
	case http.StatusUnauthorized:
		return Unauthorized
	case http.StatusRequestEntityTooLarge:
		return TooLarge
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return Unavailable
	default:
		return InternalFailure
	}
}

// Detail is the serializable form of an error. It is what a failed job
// stores and what an error response body carries.
type Detail struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

// ToDetail converts err into a Detail. Unclassified errors get a fixed
// description instead of their message.
func ToDetail(err error) *Detail {
	if err == nil {
		return nil
	}

	kind := KindOf(err)
	status := Status(kind)
	d := &Detail{
		Code: status,
		Name: http.StatusText(status),
		Kind: kind,
	}

	var ae *Error
	if errors.As(err, &ae) && ae.Detail != "" {
		d.Description = ae.Detail
	} else {
		d.Description = internalDescription
	}

	return d
}

// FromDetail rebuilds an *Error from a stored Detail.
func FromDetail(d *Detail) *Error {
	if d == nil {
		return nil
	}
	return &Error{Kind: d.Kind, Detail: d.Description}
}
