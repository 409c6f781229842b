// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geo

import "errors"

// ErrorCode categorizes a location failure.
type ErrorCode string

const (
	CodeServicesDisabled    ErrorCode = "SERVICES_DISABLED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodePermissionError     ErrorCode = "PERMISSION_ERROR"
	CodeLocationUnavailable ErrorCode = "LOCATION_UNAVAILABLE"
	CodeLocationError       ErrorCode = "LOCATION_ERROR"
	CodeTrackingFailed      ErrorCode = "TRACKING_FAILED"
	CodeTrackingError       ErrorCode = "TRACKING_ERROR"
	CodeNoLocation          ErrorCode = "NO_LOCATION"
	CodeUpdateFailed        ErrorCode = "UPDATE_FAILED"
	CodeUpdateError         ErrorCode = "UPDATE_ERROR"
	CodeLoadError           ErrorCode = "LOAD_ERROR"
	CodeFetchError          ErrorCode = "FETCH_ERROR"
)

// Error is the single, advisory error channel of the location core. It is transient and never
// persisted.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// NewError returns an Error with the given code and message, wrapping cause (which may be nil).
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err, or an empty code if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ""
}
