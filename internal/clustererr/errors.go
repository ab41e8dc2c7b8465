// Package clustererr implements the error taxonomy of spec §7. Each
// kind maps to a stable Code so the HTTP/gRPC layers can render the
// §6.1 tuple-stream (name, success, description) uniformly regardless
// of which component raised the error.
package clustererr

import (
	"fmt"
	"strings"
)

type Code string

const (
	CodeTransientNetwork  Code = "TRANSIENT_NETWORK"
	CodeRemoteCommand     Code = "REMOTE_COMMAND_FAILED"
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeCatalogConflict   Code = "CATALOG_CONFLICT"
	CodeInvariant         Code = "INVARIANT_VIOLATION"
	CodePartialSuccess    Code = "PARTIAL_SUCCESS"
)

// Error is a taxonomy-tagged error. PartialSuccess errors are
// deliberately non-fatal to the caller's control flow: callers must
// check IsCode(err, CodePartialSuccess) explicitly rather than treating
// any non-nil error as a failed operation (spec §7 propagation policy).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func TransientNetwork(msg string, cause error) *Error {
	return New(CodeTransientNetwork, msg, cause)
}

func RemoteCommandFailed(msg string) *Error {
	return New(CodeRemoteCommand, msg, nil)
}

func ProtocolViolation(msg string) *Error {
	return New(CodeProtocolViolation, msg, nil)
}

func CatalogConflict(msg string, cause error) *Error {
	return New(CodeCatalogConflict, msg, cause)
}

func Invariant(msg string) *Error {
	return New(CodeInvariant, msg, nil)
}

// Partial collects diagnostics from steps that ran after a switcher's
// commit boundary (spec §4.7.6 step 10 / §7): these never abort the
// sub-transaction, they are surfaced to the operator alongside a
// successful catalog mutation.
type Partial struct {
	Diagnostics []string
}

func (p *Partial) Add(format string, args ...interface{}) {
	p.Diagnostics = append(p.Diagnostics, fmt.Sprintf(format, args...))
}

func (p *Partial) HasErrors() bool { return len(p.Diagnostics) > 0 }

func (p *Partial) Err() error {
	if !p.HasErrors() {
		return nil
	}
	return New(CodePartialSuccess, fmt.Sprintf("%d diagnostic(s): %s", len(p.Diagnostics), strings.Join(p.Diagnostics, "; ")), nil)
}

// IsCode reports whether err (or something it wraps) is a *Error with
// the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}
