package repository

import (
	"context"
	"errors"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

var (
	// ErrNotFound is returned when no user matches the lookup
	ErrNotFound = errors.New("user not found")

	// ErrAlreadyExists is returned when a write violates a uniqueness constraint
	// (email, or a (provider, subject) pair already linked)
	ErrAlreadyExists = errors.New("user already exists")
)

// UserUpdate lists the fields an update may replace. Nil fields are left
// untouched; non-nil maps replace the stored value wholesale.
type UserUpdate struct {
	Username        *string
	Preferences     models.JSONMap
	Features        models.JSONMap
	TermsAcceptedAt *int64
}

// IsZero reports whether the update changes nothing.
func (u UserUpdate) IsZero() bool {
	return u.Username == nil && u.Preferences == nil && u.Features == nil && u.TermsAcceptedAt == nil
}

// UserRepository exposes persistence operations for canonical users.
// Returned users always carry their identities.
type UserRepository interface {
	// Create inserts the user and its identities atomically.
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByProviderSubject(ctx context.Context, provider, subject string) (*models.User, error)
	// Update applies upd and returns the stored record.
	Update(ctx context.Context, id string, upd UserUpdate) (*models.User, error)
	// LinkIdentity attaches provider/subject to the user, replacing any
	// subject previously linked for that provider.
	LinkIdentity(ctx context.Context, userID, provider, subject string) (*models.User, error)
	Delete(ctx context.Context, id string) error
}
