package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/bunx"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/migrations"
)

// setupTestDB opens an in-memory SQLite database with all migrations applied.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)
	return db
}

func newUser(email string, links ...models.Identity) *models.User {
	id := bunx.NewUUIDv7()
	return &models.User{
		ID:          id,
		Email:       email,
		Created:     time.Now().UnixMilli(),
		Preferences: models.DefaultPreferences(),
		Features:    models.JSONMap{},
		QueueName:   "sd-jobs_" + id,
		Identities:  links,
	}
}

func TestBunUserRepository_CreateAndGet(t *testing.T) {
	repo := NewBunUserRepository(setupTestDB(t))
	ctx := context.Background()

	user := newUser("a@example.com", models.Identity{Provider: models.ProviderCognito, Subject: "sub-123"})
	require.NoError(t, repo.Create(ctx, user))

	t.Run("by id", func(t *testing.T) {
		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", got.Email)
		assert.Equal(t, user.QueueName, got.QueueName)
		assert.Equal(t, user.Created, got.Created)
		assert.Equal(t, models.JSONMap{"width": float64(512), "height": float64(512)}, got.Preferences)
		assert.Equal(t, models.JSONMap{}, got.Features)
		assert.Equal(t, map[string]string{"cognito": "sub-123"}, got.ProviderLinks())
	})

	t.Run("by email", func(t *testing.T) {
		got, err := repo.GetByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("by provider subject", func(t *testing.T) {
		got, err := repo.GetByProviderSubject(ctx, models.ProviderCognito, "sub-123")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		_, err = repo.GetByProviderSubject(ctx, models.ProviderGoogle, "sub-123")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, bunx.NewUUIDv7())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.GetByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBunUserRepository_CreateUniqueness(t *testing.T) {
	repo := NewBunUserRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newUser("a@example.com", models.Identity{Provider: models.ProviderGoogle, Subject: "g-1"})))

	err := repo.Create(ctx, newUser("a@example.com"))
	assert.ErrorIs(t, err, ErrAlreadyExists, "duplicate email")

	err = repo.Create(ctx, newUser("b@example.com", models.Identity{Provider: models.ProviderGoogle, Subject: "g-1"}))
	assert.ErrorIs(t, err, ErrAlreadyExists, "duplicate provider subject")

	// The failed insert rolled back; b@example.com does not exist half-written.
	_, err = repo.GetByEmail(ctx, "b@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Create(ctx, &models.User{ID: "not-a-uuid", Email: "c@example.com", QueueName: "q"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
}

func TestBunUserRepository_Update(t *testing.T) {
	repo := NewBunUserRepository(setupTestDB(t))
	ctx := context.Background()

	user := newUser("a@example.com")
	require.NoError(t, repo.Create(ctx, user))

	name := "test-sweet"
	got, err := repo.Update(ctx, user.ID, UserUpdate{
		Username:    &name,
		Preferences: models.JSONMap{"width": 1024, "height": 1024},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Username)
	assert.Equal(t, "test-sweet", *got.Username)
	assert.Equal(t, models.JSONMap{"width": float64(1024), "height": float64(1024)}, got.Preferences)
	assert.Equal(t, models.JSONMap{}, got.Features, "untouched")

	got, err = repo.Update(ctx, user.ID, UserUpdate{Features: models.JSONMap{"large_start_image": true}})
	require.NoError(t, err)
	assert.Equal(t, models.JSONMap{"large_start_image": true}, got.Features)
	assert.Equal(t, "test-sweet", *got.Username, "untouched")

	_, err = repo.Update(ctx, bunx.NewUUIDv7(), UserUpdate{Username: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunUserRepository_LinkIdentity(t *testing.T) {
	repo := NewBunUserRepository(setupTestDB(t))
	ctx := context.Background()

	a := newUser("a@example.com", models.Identity{Provider: models.ProviderCognito, Subject: "c-1"})
	b := newUser("b@example.com")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	got, err := repo.LinkIdentity(ctx, a.ID, models.ProviderDiscord, "80351110224678912")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cognito": "c-1", "discord": "80351110224678912"}, got.ProviderLinks())

	// Relinking the same provider replaces the subject.
	got, err = repo.LinkIdentity(ctx, a.ID, models.ProviderDiscord, "99")
	require.NoError(t, err)
	assert.Equal(t, "99", got.ProviderLinks()["discord"])

	_, err = repo.LinkIdentity(ctx, b.ID, models.ProviderCognito, "c-1")
	assert.ErrorIs(t, err, ErrAlreadyExists, "subject owned by another user")

	_, err = repo.LinkIdentity(ctx, bunx.NewUUIDv7(), models.ProviderGoogle, "g")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunUserRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunUserRepository(db)
	ctx := context.Background()

	user := newUser("a@example.com", models.Identity{Provider: models.ProviderGoogle, Subject: "g-1"})
	require.NoError(t, repo.Create(ctx, user))

	require.NoError(t, repo.Delete(ctx, user.ID))
	_, err := repo.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := db.NewSelect().Model((*models.Identity)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, repo.Delete(ctx, user.ID), ErrNotFound)

	// The email is free again.
	require.NoError(t, repo.Create(ctx, newUser("a@example.com", models.Identity{Provider: models.ProviderGoogle, Subject: "g-1"})))
}
