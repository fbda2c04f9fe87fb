package identity

import (
	"errors"
	"fmt"
)

// ErrAuthentication is matched by every request verification failure.
var ErrAuthentication = errors.New("authentication failed")

var (
	ErrMissingCredentials = fmt.Errorf("%w: missing credentials", ErrAuthentication)
	ErrMalformedTimestamp = fmt.Errorf("%w: malformed timestamp", ErrAuthentication)
	ErrStaleTimestamp     = fmt.Errorf("%w: stale timestamp", ErrAuthentication)
	ErrBadSignature       = fmt.Errorf("%w: invalid signature", ErrAuthentication)
	ErrUnknownAgent       = fmt.Errorf("%w: unknown agent", ErrAuthentication)
)

// ErrInvalidKey is returned for unparseable or non P-256 key material
var ErrInvalidKey = errors.New("invalid key")

// Reason returns a short label for an authentication error, used for
// metrics and event metadata.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrUnknownAgent):
		return "unknown_agent"
	default:
		return "other"
	}
}
