// Package csproxyerr defines the error taxonomy used across the proxy and
// the mapping from taxonomy members to PostgreSQL SQLSTATE codes and
// process exit codes.
package csproxyerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the buckets described in the error
// handling design: protocol, authentication, configuration, type/mapping,
// encryption, upstream, or resource errors. Kinds are not Go types; a
// single Kind constant backs potentially many sentinel errors so that
// call sites can classify with errors.Is against a Kind-tagged sentinel
// or test the Kind directly via As.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocol
	KindAuthentication
	KindConfiguration
	KindTypeMapping
	KindEncryption
	KindUpstream
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindConfiguration:
		return "configuration"
	case KindTypeMapping:
		return "type_mapping"
	case KindEncryption:
		return "encryption"
	case KindUpstream:
		return "upstream"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error carrying an optional SQLSTATE code and
// hint text for ErrorResponse construction.
type Error struct {
	Kind    Kind
	Code    string // SQLSTATE, empty if not client-facing
	Message string
	Hint    string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// WithHint attaches a help-URL-style hint, returning a shallow copy.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// WithDetail attaches a detail string, returning a shallow copy.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Sentinel errors. Each carries the SQLSTATE the client
// sees when the error terminates a statement or connection.
var (
	ErrConnectionClosed    = New(KindResource, "", "connection closed")
	ErrConnectionTimeout   = New(KindResource, "", "connection idle timeout")
	ErrProtocolMalformed   = New(KindProtocol, "08P01", "malformed protocol message")
	ErrProtocolUnexpected  = New(KindProtocol, "08P01", "unexpected message code")
	ErrAuthFailed          = New(KindAuthentication, "28P01", "password authentication failed")
	ErrConfigInvalid       = New(KindConfiguration, "", "invalid configuration")
	ErrConfigMissingField  = New(KindConfiguration, "", "missing required configuration field")
	ErrSyntax              = New(KindTypeMapping, "42601", "syntax error")
	ErrUnknownColumn       = New(KindTypeMapping, "42703", "unknown column")
	ErrUnknownFunction     = New(KindTypeMapping, "42883", "unknown function")
	ErrUnsupportedParamType = New(KindTypeMapping, "CS001", "unsupported parameter type for encrypted column")
	ErrTypeCheckFailed     = New(KindTypeMapping, "CS002", "statement failed type check")
	ErrUnsupportedStrategy = New(KindTypeMapping, "CS003", "unsupported EQL strategy for column type")
	ErrUnknownKeyset       = New(KindEncryption, "CS010", "unknown keyset identifier")
	ErrMissingKeyset       = New(KindEncryption, "CS011", "no keyset configured for this connection")
	ErrColumnNotEncrypted  = New(KindEncryption, "CS012", "column is not configured for encryption")
	ErrPlaintextDecodeFail = New(KindEncryption, "CS013", "plaintext could not be decoded")
	ErrKMSAuthFailed       = New(KindEncryption, "", "KMS authentication failed")
)

// IsFatal reports whether the error must terminate the connection rather
// than merely fail the current statement.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindProtocol, KindAuthentication, KindResource:
		return true
	default:
		return e == ErrKMSAuthFailed
	}
}

// SQLState returns the SQLSTATE code for err, or "XX000" (internal error)
// if err carries none.
func SQLState(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "XX000"
}

// Exit codes, matching BSD sysexits as named in the configuration surface.
const (
	ExitOK          = 0
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitConfig      = 78
)
