package cipher

import "github.com/cipherstash/csproxy/pkg/csproxyerr"

// Sentinel errors surfaced by ScopedCipher implementations and the
// pipeline built on top of them.
var (
	ErrUnsupportedParameterType = csproxyerr.ErrUnsupportedParamType
	ErrPlaintextDecodeFailed    = csproxyerr.ErrPlaintextDecodeFail
	ErrUnknownKeysetIdentifier  = csproxyerr.ErrUnknownKeyset
	ErrColumnNotEncrypted       = csproxyerr.ErrColumnNotEncrypted
	ErrKMSAuthenticationFailed  = csproxyerr.ErrKMSAuthFailed
)
