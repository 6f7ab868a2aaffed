package auth

import "errors"

// Request-signature failures.
var (
	// ErrMissingSignature is returned when the signature header is absent
	ErrMissingSignature = errors.New("missing signature")

	// ErrMultipleSignatures is returned when the signature header is repeated
	ErrMultipleSignatures = errors.New("multiple signatures")

	// ErrInvalidSignature is returned when the body does not verify under the sender's key
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidTriggerSource is returned for lambda payloads from an unexpected trigger
	ErrInvalidTriggerSource = errors.New("invalid trigger source")

	// ErrInvalidTenant is returned when the payload's user pool is not ours
	ErrInvalidTenant = errors.New("invalid user pool id")
)

// Session token failures.
var (
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionBadSignature = errors.New("session signature invalid")
	ErrSessionMalformed    = errors.New("session token malformed")
)

// PublicMessage returns the text shown to API callers for err.
// Unknown errors get a generic message so internals are not leaked.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "Missing signature"
	case errors.Is(err, ErrMultipleSignatures):
		return "Only Include One Signature"
	case errors.Is(err, ErrInvalidSignature):
		return "Invalid signature"
	case errors.Is(err, ErrInvalidTriggerSource):
		return "Invalid trigger source"
	case errors.Is(err, ErrInvalidTenant):
		return "Invalid user pool ID"
	case errors.Is(err, ErrSessionExpired):
		return "Session expired"
	case errors.Is(err, ErrSessionBadSignature):
		return "Invalid session signature"
	case errors.Is(err, ErrSessionMalformed):
		return "Malformed session token"
	default:
		return "Unauthorized"
	}
}
