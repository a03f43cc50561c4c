package vperrors

import "errors"

// Common errors
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnsupportedType  = errors.New("unsupported type")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBusy             = errors.New("channel busy")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSocketClosed     = errors.New("socket closed")
)
