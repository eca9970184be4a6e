package dispatch

import "errors"

// Sentinel errors for the operation failure taxonomy. Handlers match them
// with errors.Is and translate them into structured error events; none of
// them terminates the connection.
var (
	// ErrUnauthorized means the authenticated user is not a participant of
	// the target chat.
	ErrUnauthorized = errors.New("not a chat participant")

	// ErrNotFound covers both a missing message/chat and one the caller has
	// no visibility into — the same error for both, so existence is not
	// leaked.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the payload failed content validation.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence means the storage collaborator failed. The dispatcher
	// does not retry; the failure is surfaced to the requesting connection
	// only, and no broadcast is sent.
	ErrPersistence = errors.New("persistence failure")
)

// Wire error codes sent in error events.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeValidation   = "invalid_message"
	CodePersistence  = "persistence_failure"
	CodeInvalidState = "invalid_state"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
)

// ErrorCode maps a dispatcher error to its wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
