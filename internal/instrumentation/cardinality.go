package instrumentation

import "strings"

// Cardinality helpers for metrics and general logs. User identifiers are
// high-cardinality and must be reduced before appearing as metric labels.

// ExtractUserDomain extracts the domain part from an email address,
// reducing cardinality by using the domain instead of the full email.
//
// Example:
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
//	ExtractUserDomain("")                  // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}

	return "unknown"
}

// Authentication operation names used as span and metric label values.
const (
	OperationStartAuthorization = "start_authorization"
	OperationHandleCallback     = "handle_callback"
	OperationExchange           = "exchange"
	OperationRefresh            = "refresh"
	OperationRevoke             = "revoke"
	OperationValidate           = "validate"
	OperationLogout             = "logout"
	OperationUserInfo           = "user_info"
)
