package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/bunx"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/migrations"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
)

type recordedEvents struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (e *recordedEvents) UserCreated(_ context.Context, u *models.User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, u.ID)
}

func (e *recordedEvents) UserUpdated(_ context.Context, u *models.User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, u.ID)
}

func newRepo(t *testing.T) repository.UserRepository {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)
	return repository.NewBunUserRepository(db)
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newReconciler(repo repository.UserRepository, events identity.Events) *identity.Reconciler {
	return identity.NewReconciler(repo, identity.Options{
		QueuePrefix: "sd-jobs_",
		Events:      events,
		Now:         func() time.Time { return fixedNow },
	})
}

func TestReconcile_CreatesUser(t *testing.T) {
	events := &recordedEvents{}
	r := newReconciler(newRepo(t), events)

	res, err := r.ReconcileByProviderIdentity(context.Background(), identity.Identity{
		Provider: models.ProviderCognito,
		Subject:  "sub-123",
		Email:    "A@Example.com ",
	}, identity.PolicyStrict)
	require.NoError(t, err)

	assert.Equal(t, identity.OutcomeCreated, res.Outcome)
	u := res.User
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, fixedNow.UnixMilli(), u.Created)
	assert.Equal(t, "sd-jobs_"+u.ID, u.QueueName)
	assert.Equal(t, models.JSONMap{"width": 512, "height": 512}, u.Preferences)
	assert.Equal(t, models.JSONMap{}, u.Features)
	assert.Equal(t, map[string]string{"cognito": "sub-123"}, u.ProviderLinks())
	assert.Equal(t, []string{u.ID}, events.created)
	assert.Empty(t, events.updated)
}

func TestReconcile_Idempotent(t *testing.T) {
	events := &recordedEvents{}
	r := newReconciler(newRepo(t), events)
	ctx := context.Background()
	id := identity.Identity{Provider: models.ProviderGoogle, Subject: "g-1", Email: "a@example.com"}

	first, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyMerge)
	require.NoError(t, err)
	second, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyMerge)
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, identity.OutcomeExisting, second.Outcome)
	assert.Len(t, events.created, 1, "one create means one queue provision")
	assert.Empty(t, events.updated)
}

func TestReconcile_StrictRejectsKnownIdentity(t *testing.T) {
	r := newReconciler(newRepo(t), nil)
	ctx := context.Background()
	id := identity.Identity{Provider: models.ProviderCognito, Subject: "sub-123", Email: "a@example.com"}

	_, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyStrict)
	require.NoError(t, err)

	_, err = r.ReconcileByProviderIdentity(ctx, id, identity.PolicyStrict)
	assert.ErrorIs(t, err, identity.ErrUserExists)
}

func TestReconcile_EmailFirstLinking(t *testing.T) {
	events := &recordedEvents{}
	r := newReconciler(newRepo(t), events)
	ctx := context.Background()

	created, err := r.CreateByEmail(ctx, "a@example.com", identity.Attributes{}, identity.PolicyStrict)
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeCreated, created.Outcome)

	for _, policy := range []identity.Policy{identity.PolicyStrict, identity.PolicyMerge} {
		provider := models.ProviderDiscord
		if policy == identity.PolicyMerge {
			provider = models.ProviderGoogle
		}
		t.Run(policy.String(), func(t *testing.T) {
			res, err := r.ReconcileByProviderIdentity(ctx, identity.Identity{
				Provider: provider,
				Subject:  "sub-" + provider,
				Email:    "a@example.com",
			}, policy)
			require.NoError(t, err)
			assert.Equal(t, identity.OutcomeLinked, res.Outcome)
			assert.Equal(t, created.User.ID, res.User.ID, "same user, not a new one")
			assert.Equal(t, "sub-"+provider, res.User.ProviderLinks()[provider])
		})
	}
	assert.Len(t, events.created, 1)
	assert.Len(t, events.updated, 2)
}

func TestReconcile_LinkMergesAttributes(t *testing.T) {
	r := newReconciler(newRepo(t), nil)
	ctx := context.Background()

	_, err := r.CreateByEmail(ctx, "a@example.com", identity.Attributes{
		Preferences: map[string]any{"model": "sdxl"},
	}, identity.PolicyStrict)
	require.NoError(t, err)

	accepted := fixedNow.UnixMilli()
	res, err := r.ReconcileByProviderIdentity(ctx, identity.Identity{
		Provider: models.ProviderGoogle,
		Subject:  "g-1",
		Email:    "a@example.com",
		Attributes: identity.Attributes{
			Preferences:     map[string]any{"width": 768},
			TermsAcceptedAt: &accepted,
		},
	}, identity.PolicyMerge)
	require.NoError(t, err)

	assert.Equal(t, models.JSONMap{"width": float64(768), "height": float64(512), "model": "sdxl"}, res.User.Preferences)
	require.NotNil(t, res.User.TermsAcceptedAt)
	assert.Equal(t, accepted, *res.User.TermsAcceptedAt)
}

func TestCreateByEmail_Policies(t *testing.T) {
	r := newReconciler(newRepo(t), nil)
	ctx := context.Background()

	name := "dreamer"
	first, err := r.CreateByEmail(ctx, "a@example.com", identity.Attributes{
		Username: &name,
		Features: map[string]any{"large_start_image": true},
		Links:    map[string]string{models.ProviderDiscord: "80351110224678912"},
	}, identity.PolicyStrict)
	require.NoError(t, err)
	assert.Equal(t, "dreamer", *first.User.Username)
	assert.Equal(t, models.JSONMap{"large_start_image": true}, first.User.Features)
	assert.Equal(t, "80351110224678912", first.User.ProviderLinks()["discord"])

	_, err = r.CreateByEmail(ctx, "a@example.com", identity.Attributes{}, identity.PolicyStrict)
	assert.ErrorIs(t, err, identity.ErrUserExists)

	merged, err := r.CreateByEmail(ctx, "a@example.com", identity.Attributes{
		Features: map[string]any{"beta": true},
	}, identity.PolicyMerge)
	require.NoError(t, err)
	assert.Equal(t, identity.OutcomeUpdated, merged.Outcome)
	assert.Equal(t, first.User.ID, merged.User.ID)
	assert.Equal(t, models.JSONMap{"large_start_image": true, "beta": true}, merged.User.Features)

	// A link owned by another user is a conflict, not a silent steal.
	_, err = r.CreateByEmail(ctx, "b@example.com", identity.Attributes{
		Links: map[string]string{models.ProviderDiscord: "80351110224678912"},
	}, identity.PolicyStrict)
	assert.ErrorIs(t, err, identity.ErrUserExists)
}

func TestReconcile_InvalidIdentity(t *testing.T) {
	r := newReconciler(newRepo(t), nil)
	ctx := context.Background()

	for _, id := range []identity.Identity{
		{Subject: "s", Email: "a@example.com"},
		{Provider: "google", Email: "a@example.com"},
		{Provider: "google", Subject: "s", Email: "  "},
	} {
		_, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyMerge)
		assert.ErrorIs(t, err, identity.ErrInvalidIdentity)
	}
	_, err := r.CreateByEmail(ctx, "", identity.Attributes{}, identity.PolicyMerge)
	assert.ErrorIs(t, err, identity.ErrInvalidIdentity)
}

// racingRepository hides existing users from the first lookups, as if a
// concurrent request created them between our read and our write.
type racingRepository struct {
	repository.UserRepository
	blindEmail    int
	blindProvider int
}

func (r *racingRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if r.blindEmail > 0 {
		r.blindEmail--
		return nil, repository.ErrNotFound
	}
	return r.UserRepository.GetByEmail(ctx, email)
}

func (r *racingRepository) GetByProviderSubject(ctx context.Context, provider, subject string) (*models.User, error) {
	if r.blindProvider > 0 {
		r.blindProvider--
		return nil, repository.ErrNotFound
	}
	return r.UserRepository.GetByProviderSubject(ctx, provider, subject)
}

func TestReconcile_LostCreateRace(t *testing.T) {
	ctx := context.Background()

	t.Run("email taken folds into link", func(t *testing.T) {
		repo := &racingRepository{UserRepository: newRepo(t)}
		r := newReconciler(repo, nil)

		winner, err := r.CreateByEmail(ctx, "a@example.com", identity.Attributes{}, identity.PolicyStrict)
		require.NoError(t, err)

		repo.blindEmail = 1
		res, err := r.ReconcileByProviderIdentity(ctx, identity.Identity{
			Provider: models.ProviderGoogle, Subject: "g-1", Email: "a@example.com",
		}, identity.PolicyStrict)
		require.NoError(t, err)
		assert.Equal(t, identity.OutcomeLinked, res.Outcome)
		assert.Equal(t, winner.User.ID, res.User.ID)
	})

	t.Run("same identity created concurrently", func(t *testing.T) {
		repo := &racingRepository{UserRepository: newRepo(t)}
		r := newReconciler(repo, nil)
		id := identity.Identity{Provider: models.ProviderGoogle, Subject: "g-1", Email: "a@example.com"}

		winner, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyMerge)
		require.NoError(t, err)

		repo.blindEmail, repo.blindProvider = 1, 1
		res, err := r.ReconcileByProviderIdentity(ctx, id, identity.PolicyMerge)
		require.NoError(t, err)
		assert.Equal(t, identity.OutcomeExisting, res.Outcome)
		assert.Equal(t, winner.User.ID, res.User.ID)

		repo.blindEmail, repo.blindProvider = 1, 1
		_, err = r.ReconcileByProviderIdentity(ctx, id, identity.PolicyStrict)
		assert.ErrorIs(t, err, identity.ErrUserExists)
	})
}

// failingRepository fails every create with a non-conflict error.
type failingRepository struct {
	repository.UserRepository
}

func (failingRepository) Create(context.Context, *models.User) error {
	return errors.New("disk full")
}

func TestReconcile_CreateFailure(t *testing.T) {
	events := &recordedEvents{}
	r := newReconciler(failingRepository{UserRepository: newRepo(t)}, events)

	_, err := r.ReconcileByProviderIdentity(context.Background(), identity.Identity{
		Provider: models.ProviderCognito, Subject: "sub-1", Email: "a@example.com",
	}, identity.PolicyStrict)
	assert.ErrorIs(t, err, identity.ErrCreateFailed)
	assert.NotErrorIs(t, err, identity.ErrUserExists)
	assert.Empty(t, events.created, "no lifecycle event for a failed write")
}
