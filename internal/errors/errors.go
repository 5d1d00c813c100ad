package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12

	CodeProviderNotFound  Code = 20
	CodeUserRejected      Code = 21
	CodeNotConnected      Code = 22
	CodeNoActiveProvider  Code = 23
	CodeNetworkNotAllowed Code = 24
	CodeAlreadySubmitted  Code = 25
	CodeAlreadySigned     Code = 26
	CodeRemote            Code = 27
	CodeBusy              Code = 28
	CodeCancelled         Code = 29
)

// Stage names the pipeline step an error was raised in.
type Stage string

const (
	StageBuild     Stage = "build"
	StageLocal     Stage = "local"
	StageSign      Stage = "sign"
	StageBroadcast Stage = "broadcast"
	StageConfirm   Stage = "confirm"
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Stage   Stage
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so callers can use errors.Is with a
// bare template such as &Error{Code: CodeAlreadySubmitted}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// AtStage tags err with a pipeline stage. Typed errors keep their code; any
// other error is wrapped as internal.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := As(err); ok {
		if typed.Stage != "" {
			return err
		}
		cp := *typed
		cp.Stage = stage
		return &cp
	}
	return &Error{Code: CodeInternal, Stage: stage, Message: "unexpected failure", Cause: err}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func HasCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the stable snake_case label rendered in error envelopes.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "network_unavailable"
	case CodeProviderNotFound:
		return "provider_not_found"
	case CodeUserRejected:
		return "user_rejected"
	case CodeNotConnected:
		return "not_connected"
	case CodeNoActiveProvider:
		return "no_active_provider"
	case CodeNetworkNotAllowed:
		return "network_not_allowed"
	case CodeAlreadySubmitted:
		return "already_submitted"
	case CodeAlreadySigned:
		return "already_signed"
	case CodeRemote:
		return "remote_error"
	case CodeBusy:
		return "busy"
	case CodeCancelled:
		return "cancelled"
	default:
		return "internal_error"
	}
}
