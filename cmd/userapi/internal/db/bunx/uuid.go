package bunx

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUIDv7 string for user primary keys.
// Generation only fails when the entropy source is broken, so it panics.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
