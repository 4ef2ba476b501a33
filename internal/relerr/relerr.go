// Package relerr provides the structured error type shared by every
// relay component, modeled on the teacher's fserrors package.
package relerr

import "fmt"

// Stage identifies which pipeline stage produced the error.
type Stage string

const (
	StageClassify Stage = "classify"
	StageSession  Stage = "session"
	StageLimit    Stage = "limit"
	StageRoute    Stage = "route"
	StageOutbound Stage = "outbound"
	StageConfig   Stage = "config"
	StageIngress  Stage = "ingress"
	StageSupervis Stage = "supervisor"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeBadFrame            Code = "bad-frame"
	CodeConnectionLimit     Code = "connection-limit-reached"
	CodeDHRateExceeded      Code = "dh-rate-exceeded"
	CodeNoHealthyTargets    Code = "no-healthy-targets"
	CodePayloadTooLarge     Code = "outbound-payload-too-large"
	CodeDialFailed          Code = "dial-failed"
	CodeSendFailed          Code = "send-failed"
	CodeResponseReadFailed  Code = "response-read-failed"
	CodeConfigParseError    Code = "config-parse-error"
	CodeConfigReadError     Code = "config-read-error"
	CodeSupervisorChildExit Code = "supervisor-child-exited"
	CodeAcceptRateLimited   Code = "accept-rate-limited"
	CodeInvalidFrame        Code = "invalid-frame"
	CodeClusterAbsent       Code = "cluster-absent"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, relerr.New(stage, code)) matches on Code alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Wrap builds a new Error for the given stage/code, optionally wrapping err.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// New builds a new Error for the given stage/code with no wrapped cause.
func New(stage Stage, code Code) error {
	return &Error{Stage: stage, Code: code}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
