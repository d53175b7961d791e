package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Attribute keys shared across the codebase so log entries correlate.
const (
	KeyApplication = "application_id"
	KeySession     = "session_id"
	KeyClient      = "client_id"
	KeyUserHash    = "user_hash"
	KeyError       = "error"
)

// Application returns a slog attribute for the application ID.
func Application(applicationID string) slog.Attr {
	return slog.String(KeyApplication, applicationID)
}

// Session returns a slog attribute for the client session ID.
func Session(sessionID string) slog.Attr {
	return slog.String(KeySession, sessionID)
}

// Client returns a slog attribute for the client ID.
func Client(clientID string) slog.Attr {
	return slog.String(KeyClient, clientID)
}

// Err returns a slog attribute for an error. A nil error yields an empty
// group that slog omits, so Err(maybeNilErr) is always safe to pass.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeUser hashes a user identifier so log entries stay correlatable
// without exposing PII.
func AnonymizeUser(userID string) string {
	if userID == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(userID))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized user identifier.
func UserHash(userID string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeUser(userID))
}

// SanitizeToken masks a token for logging. Only the length survives; even
// a short prefix can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
