package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the delivery session identifier so that logs from
	// one message evaluation can be correlated.
	SessionIDKey = ContextKey("session_id")

	// RecipientKey carries the envelope recipient the script runs for.
	RecipientKey = ContextKey("recipient")
)
