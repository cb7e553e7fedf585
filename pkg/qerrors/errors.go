// Package qerrors defines the normalized error taxonomy shared by all
// QRMI components. Every failure that crosses a package boundary is one
// of these classes, so callers can match with Err*.Equal(err) and decide
// on remediation without parsing messages.
package qerrors

import (
	"github.com/pingcap/errors"
)

// Configuration errors. Fatal, never retried.
var (
	ErrConfigDecodeFile = errors.Normalize(
		"failed to decode config file %s",
		errors.RFCCodeText("QRMI:ErrConfigDecodeFile"))
	ErrConfigUnknownItem = errors.Normalize(
		"config file contains unknown configuration item: %s",
		errors.RFCCodeText("QRMI:ErrConfigUnknownItem"))
	ErrConfigMissingField = errors.Normalize(
		"required configuration %s is not set for resource %s",
		errors.RFCCodeText("QRMI:ErrConfigMissingField"))
	ErrConfigInvalidURL = errors.Normalize(
		"configuration %s for resource %s is not a valid URL: %s",
		errors.RFCCodeText("QRMI:ErrConfigInvalidURL"))
	ErrConfigInvalidValue = errors.Normalize(
		"configuration %s for resource %s has invalid value %s",
		errors.RFCCodeText("QRMI:ErrConfigInvalidValue"))
	ErrUnknownProviderKind = errors.Normalize(
		"unknown provider kind %s for resource %s, supported kinds: %v",
		errors.RFCCodeText("QRMI:ErrUnknownProviderKind"))
	ErrResourceNotDefined = errors.Normalize(
		"resource %s is not defined in configuration",
		errors.RFCCodeText("QRMI:ErrResourceNotDefined"))
	ErrResourceNotAllocated = errors.Normalize(
		"resource %s is not in the scheduler allocation %v",
		errors.RFCCodeText("QRMI:ErrResourceNotAllocated"))
)

// Credential errors. Surfaced to the caller; retryable only by
// caller-initiated re-acquisition.
var (
	ErrAuthFailed = errors.Normalize(
		"authentication against %s failed",
		errors.RFCCodeText("QRMI:ErrAuthFailed"))
	ErrAuthTokenInvalid = errors.Normalize(
		"identity endpoint returned no usable token",
		errors.RFCCodeText("QRMI:ErrAuthTokenInvalid"))
)

// Lease errors.
var (
	ErrResourceBusy = errors.Normalize(
		"resource %s already has an active lease %s",
		errors.RFCCodeText("QRMI:ErrResourceBusy"))
	ErrLeaseExpired = errors.Normalize(
		"lease %s is no longer active (status %s)",
		errors.RFCCodeText("QRMI:ErrLeaseExpired"))
	ErrLeaseNotFound = errors.Normalize(
		"lease %s not found for resource %s",
		errors.RFCCodeText("QRMI:ErrLeaseNotFound"))
)

// Transport, job and provider errors.
var (
	ErrTransport = errors.Normalize(
		"payload transport %s failed for key %s",
		errors.RFCCodeText("QRMI:ErrTransport"))
	ErrPayloadTooLarge = errors.Normalize(
		"inline payload of %d bytes exceeds provider limit of %d bytes",
		errors.RFCCodeText("QRMI:ErrPayloadTooLarge"))
	ErrNotReady = errors.Normalize(
		"result of job %s is not available in status %s",
		errors.RFCCodeText("QRMI:ErrNotReady"))
	ErrJobNotFound = errors.Normalize(
		"job %s not found on backend",
		errors.RFCCodeText("QRMI:ErrJobNotFound"))
	ErrProvider = errors.Normalize(
		"backend reported failure: code=%s message=%s",
		errors.RFCCodeText("QRMI:ErrProvider"))
	ErrUnsupportedPayload = errors.Normalize(
		"payload program %s is not supported by provider %s",
		errors.RFCCodeText("QRMI:ErrUnsupportedPayload"))
)

// Wrap generates a new error based on the given *errors.Error, wraps the err
// as cause error. If err is nil, returns nil.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}
