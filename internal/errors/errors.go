package errors

import (
	"errors"
)

// Common errors.
var (
	ErrConfigCannotBeNil     = errors.New("config cannot be nil")
	ErrConfigPathEmpty       = errors.New("config path is empty")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrDeviceNotAuthorized   = errors.New("device is not authorized")
	ErrBulkOpInFlight        = errors.New("bulk operation already in progress")
	ErrAttemptsExhausted     = errors.New("maximum connection attempts reached")
	ErrConnectTimeout        = errors.New("connection attempt timed out")
	ErrAdapterFailure        = errors.New("bluetooth adapter failure")
	ErrAdapterNotAvailable   = errors.New("bluetooth adapter not available")
	ErrInvalidScanMode       = errors.New("invalid scan mode")
	ErrInvalidDeviceAddress  = errors.New("invalid device address")
	ErrWhitelistPathEmpty    = errors.New("whitelist path is empty")
	ErrWhitelistEntryInvalid = errors.New("whitelist entry is invalid")
	ErrSubscriberClosed      = errors.New("subscriber is closed")
)
