// Package model defines the core data types shared by every bpfmand
// component: programs, attach parameters, map groups, dispatcher keys,
// and the stable error taxonomy exposed to callers.
package model

import (
	"errors"
	"fmt"
)

// Code is one of the stable, wire-safe error codes from the manager's
// error taxonomy. Callers (the RPC layer) map a Code to their own wire
// representation; bpfmand never hands back an ad-hoc string.
type Code string

const (
	CodeIDInUse               Code = "id-in-use"
	CodeTooManyPrograms        Code = "too-many-programs"
	CodeInvalidInterface       Code = "invalid-interface"
	CodeSectionNotValid        Code = "section-not-valid"
	CodeDispatcherNotRequired  Code = "dispatcher-not-required"
	CodeNotAuthorised          Code = "not-authorised"
	CodeInvalidID              Code = "invalid-id"
	CodeMapInUse               Code = "map-in-use"
	CodeMapGroupMissing        Code = "map-group-missing"
	CodeInvalidAttach          Code = "invalid-attach"
	CodeKretprobeOffsetInvalid Code = "kretprobe-offset-not-allowed"
	CodeProbeKindMismatch      Code = "probe-kind-mismatch"
	CodePinProgramFailed       Code = "pin-program-failed"
	CodePinLinkFailed          Code = "pin-link-failed"
	CodeBytecodeError          Code = "bytecode-error"
	CodeLoadFailed             Code = "load-failed"
	CodeAttachFailed           Code = "attach-failed"
	CodeInternal               Code = "internal-error"
)

// Error is the manager's stable error representation. It always carries
// a Code and, usually, a wrapped cause for diagnostics/logging — the wire
// boundary only ever needs the Code.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error carrying a cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, otherwise CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}
