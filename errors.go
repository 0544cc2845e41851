package cookiesession

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidSignature is returned by UnsignErr when a cookie value fails verification.
	// Load never surfaces it: a mis-signed cookie is the same as no cookie.
	ErrInvalidSignature = errors.New("invalid cookie signature")

	// ErrSessionNotFound is returned when a session is missing or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreUnavailable is returned when the backend cannot be reached.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrStoreWriteFailed is returned when a mutation could not be confirmed durable.
	ErrStoreWriteFailed = errors.New("session store write failed")

	// ErrReservedAttribute is returned when a caller addresses a fixed field through the
	// attribute path.
	ErrReservedAttribute = errors.New("reserved session attribute")

	// ErrInvalidValue is returned when an attribute value cannot be encoded as JSON.
	ErrInvalidValue = errors.New("attribute value is not JSON serializable")

	// ErrSessionTooLarge is returned when the encoded session data exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrNoSecret is returned when a Manager is configured without a secret.
	ErrNoSecret = errors.New("no secret provided for session manager")

	// ErrUnknownStore is returned by OpenStore for an unsupported backend name.
	ErrUnknownStore = errors.New("unknown session store")
)

// unreachable reports whether err means the request never reached the backend,
// as opposed to a write whose outcome is unknown.
func unreachable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func readErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func writeErr(err error) error {
	if unreachable(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreWriteFailed, err)
}
