// Package logging provides structured logging helpers built on log/slog.
//
// It defines the canonical attribute keys used across the authentication
// core (operation, session_id, application_id, user_hash, ...) and the
// sanitizers that keep tokens and user identifiers out of log output.
// All sensitive values must pass through AnonymizeUser or SanitizeToken
// before being handed to a logger.
package logging
