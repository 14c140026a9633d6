package chat

import (
	"strings"
)

// CloseClass represents how the session manager should react to a session
// close reason.
type CloseClass int

const (
	// CloseTransient indicates the session should be re-dialed with backoff.
	CloseTransient CloseClass = iota
	// CloseAuthInvalid indicates credentials were rejected or revoked. Never
	// retried: the credential store is cleared and the process stops.
	CloseAuthInvalid
)

// String returns a human-readable name for the close class.
func (c CloseClass) String() string {
	switch c {
	case CloseTransient:
		return "transient"
	case CloseAuthInvalid:
		return "auth-invalid"
	default:
		return "transient"
	}
}

// Classify buckets a session close error into transient vs auth-invalidated.
//
// Auth-invalid (terminal, never retried):
// - IRC login rejection ("Login authentication failed", "Improperly formatted auth")
// - Token revocation (401/403, "unauthorized", "invalid access token")
// - An explicit logout of the bot account
//
// Transient (retried with backoff):
// - Network errors (reset, refused, timeout, DNS)
// - Server-side disconnects and RECONNECT notices
// - Everything unrecognized, so a new failure mode never strands the bot
func Classify(err error) CloseClass {
	if err == nil {
		return CloseTransient
	}

	lower := strings.ToLower(err.Error())

	authPatterns := []string{
		"login authentication failed",
		"improperly formatted auth",
		"invalid access token",
		"unauthorized",
		"logged out",
		"authentication required",
		"401",
		"403",
	}
	for _, pattern := range authPatterns {
		if strings.Contains(lower, pattern) {
			return CloseAuthInvalid
		}
	}

	return CloseTransient
}
