// Package errors carries the coded error taxonomy shared by every layer of the
// trust engine. Stores and infrastructure return these (optionally wrapped) so
// services can branch on stable codes instead of message text.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a stable, machine-readable error class.
type Code string

const (
	// Transport-level outcomes.
	CodeOffline             Code = "OFFLINE"
	CodeOrganizationExpired Code = "ORGANIZATION_EXPIRED"
	CodeSelfRevoked         Code = "SELF_REVOKED"
	CodeBadProtocol         Code = "BAD_PROTOCOL"

	// Engine lifecycle.
	CodeStopped Code = "STOPPED"

	// Certificate admission failures. A batch containing any of these is
	// rejected as a whole.
	CodeInvalidTimestamp     Code = "INVALID_TIMESTAMP"
	CodeNonExistingAuthor    Code = "NON_EXISTING_AUTHOR"
	CodeRevokedAuthor        Code = "REVOKED_AUTHOR"
	CodeAuthorLacksAuthority Code = "AUTHOR_LACKS_AUTHORITY"
	CodeSelfSigned           Code = "SELF_SIGNED"
	CodeAlreadyRevoked       Code = "ALREADY_REVOKED"
	CodeUserAlreadyExists    Code = "USER_ALREADY_EXISTS"
	CodeCorrupted            Code = "CORRUPTED"

	// Store lookups.
	CodeNotFound          Code = "NOT_FOUND"
	CodeNewerThanSelector Code = "NEWER_THAN_SELECTOR"

	// Issuance.
	CodeOutOfBallpark Code = "TIMESTAMP_OUT_OF_BALLPARK"
	CodeRejected      Code = "REJECTED"

	CodeInvalidInput Code = "INVALID_INPUT"
	CodeInternal     Code = "INTERNAL"
)

// Error is a stable error with a machine-readable code and a human message.
// Wrapped causes stay reachable through errors.Unwrap.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error with a fixed message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause. A nil cause yields
// a plain coded error so callers can wrap unconditionally.
func Wrap(cause error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the code of the outermost coded error in err's chain.
// Unknown errors report CodeInternal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var coded *Error
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Unwrap()
	}
	return false
}
