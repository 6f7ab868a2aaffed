package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

// Create inserts a new user and its identities in one transaction.
// Unique violations on email or (provider, subject) return ErrAlreadyExists.
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	if err := user.ValidateForCreate(); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if user.Preferences == nil {
		user.Preferences = models.JSONMap{}
	}
	if user.Features == nil {
		user.Features = models.JSONMap{}
	}
	user.UpdatedAt = time.Now().UTC()

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return err
		}
		for i := range user.Identities {
			user.Identities[i].UserID = user.ID
			user.Identities[i].CreatedAt = user.UpdatedAt
			if _, err := tx.NewInsert().Model(&user.Identities[i]).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", user.Email, ErrAlreadyExists)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by their ID
func (r *BunUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, "id", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("u.id = ?", id)
	})
}

// GetByEmail retrieves a user by their email
func (r *BunUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "email", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("u.email = ?", email)
	})
}

// GetByProviderSubject retrieves the user linked to provider/subject
func (r *BunUserRepository) GetByProviderSubject(ctx context.Context, provider, subject string) (*models.User, error) {
	return r.getOne(ctx, provider, func(q *bun.SelectQuery) *bun.SelectQuery {
		sub := r.db.NewSelect().
			Model((*models.Identity)(nil)).
			Column("user_id").
			Where("provider = ?", provider).
			Where("subject = ?", subject)
		return q.Where("u.id IN (?)", sub)
	})
}

func (r *BunUserRepository) getOne(ctx context.Context, by string, filter func(*bun.SelectQuery) *bun.SelectQuery) (*models.User, error) {
	return getOne(ctx, r.db, by, filter)
}

func getOne(ctx context.Context, db bun.IDB, by string, filter func(*bun.SelectQuery) *bun.SelectQuery) (*models.User, error) {
	user := new(models.User)
	q := db.NewSelect().
		Model(user).
		Relation("Identities", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("ui.id ASC")
		})
	err := filter(q).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by %s: %w", by, err)
	}
	return user, nil
}

// Update applies the non-nil fields of upd and returns the updated user
func (r *BunUserRepository) Update(ctx context.Context, id string, upd UserUpdate) (*models.User, error) {
	var out *models.User
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id)
		if upd.Username != nil {
			q = q.Set("username = ?", *upd.Username)
		}
		if upd.Preferences != nil {
			q = q.Set("preferences = ?", upd.Preferences)
		}
		if upd.Features != nil {
			q = q.Set("features = ?", upd.Features)
		}
		if upd.TermsAcceptedAt != nil {
			q = q.Set("terms_accepted_at = ?", *upd.TermsAcceptedAt)
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}

		out, err = getOne(ctx, tx, "id", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("u.id = ?", id)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("update user %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return out, nil
}

// LinkIdentity attaches provider/subject to the user. A subject already
// linked to another user returns ErrAlreadyExists.
func (r *BunUserRepository) LinkIdentity(ctx context.Context, userID, provider, subject string) (*models.User, error) {
	var out *models.User
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*models.User)(nil)).Where("id = ?", userID).Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}

		if _, err := tx.NewDelete().
			Model((*models.Identity)(nil)).
			Where("user_id = ?", userID).
			Where("provider = ?", provider).
			Exec(ctx); err != nil {
			return err
		}

		link := &models.Identity{
			UserID:    userID,
			Provider:  provider,
			Subject:   subject,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(link).Exec(ctx); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", userID).
			Exec(ctx); err != nil {
			return err
		}

		out, err = getOne(ctx, tx, "id", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("u.id = ?", userID)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("link %s identity: %w", provider, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("link %s identity: %w", provider, err)
	}
	return out, nil
}

// Delete removes the user; identities cascade
func (r *BunUserRepository) Delete(ctx context.Context, id string) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Explicit delete so identities go even where foreign keys are off.
		if _, err := tx.NewDelete().Model((*models.Identity)(nil)).Where("user_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*models.User)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err comes from a unique or primary key
// constraint on either supported database.
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
