package xenapi

import (
	"errors"
	"strings"
)

// Remote failure codes the engine pattern-matches on.
const (
	CodeDeviceAlreadyDetached = "DEVICE_ALREADY_DETACHED"
	CodeDeviceDetachRejected  = "DEVICE_DETACH_REJECTED"
)

// Failure is a structured error reported by the control API. Details[0]
// is the error code, the rest are code-specific parameters.
type Failure struct {
	Details []string
}

func (f *Failure) Error() string {
	return "xenapi failure: " + strings.Join(f.Details, " ")
}

// Code returns the failure code, or "" when the detail list is empty.
func (f *Failure) Code() string {
	if len(f.Details) == 0 {
		return ""
	}
	return f.Details[0]
}

// IsFailureCode reports whether err is (or wraps) a control-API failure
// with the given code.
func IsFailureCode(err error, code string) bool {
	var f *Failure
	return errors.As(err, &f) && f.Code() == code
}

// AsFailure unwraps err to a *Failure, or nil.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}
