package torrent

import "errors"

// Failure taxonomy shared by every component of a session. Callers add
// context with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("timeout")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrMetadataCorrupt   = errors.New("metadata corrupt")
	ErrThrottleViolation = errors.New("throttle violation")
	ErrNotYetAvailable   = errors.New("not yet available")
	ErrSessionDestroyed  = errors.New("session destroyed")
)

// IsConnectionError reports whether err only concerns a single peer
// connection and should never be fatal to the session.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrHandshakeMismatch) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrTimeout)
}
