// Package identity maps external identities onto exactly one canonical user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/bunx"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/telemetry"
)

// ProviderEmail is the pseudo provider used for email-only creates.
const ProviderEmail = "email"

// Policy decides what happens when the identity being reconciled already exists.
type Policy int

const (
	// PolicyMerge never fails on an existing identity: a known (provider,
	// subject) returns the user, a known email gets the link attached.
	PolicyMerge Policy = iota

	// PolicyStrict fails with ErrUserExists when the exact identity key being
	// created is already known: the (provider, subject) pair, or the email
	// for email-only creates. An email match for a new provider still links.
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "merge"
}

// Outcome describes what a reconciliation did.
type Outcome string

const (
	OutcomeExisting Outcome = "existing" // identity already linked, nothing written
	OutcomeLinked   Outcome = "linked"   // provider link attached to a user found by email
	OutcomeUpdated  Outcome = "updated"  // email-only create merged into an existing user
	OutcomeCreated  Outcome = "created"  // new user record
)

// Identity is an external identity presented for reconciliation.
type Identity struct {
	Provider   string
	Subject    string
	Email      string
	Attributes Attributes
}

// Result is a reconciled user and how it was reached.
type Result struct {
	User    *models.User
	Outcome Outcome
}

// Events receives lifecycle notifications after the directory write commits.
// Implementations must not block the caller.
type Events interface {
	UserCreated(ctx context.Context, user *models.User)
	UserUpdated(ctx context.Context, user *models.User)
}

type nopEvents struct{}

func (nopEvents) UserCreated(context.Context, *models.User) {}
func (nopEvents) UserUpdated(context.Context, *models.User) {}

// Options configures a Reconciler.
type Options struct {
	// QueuePrefix is prepended to the user id to name the user's job queue
	QueuePrefix string
	Events      Events
	Logger      *zap.SugaredLogger
	Metrics     *telemetry.Metrics
	// Now and NewID are overridable for tests
	Now   func() time.Time
	NewID func() string
}

// Reconciler maps (provider, subject, email) onto canonical users.
//
// Lookups run in a fixed order: by (provider, subject), then by email, then
// create. Nothing serialises concurrent reconciliations; the directory's
// unique indexes are the only arbiter, and a lost create race is re-read and
// folded into the existing or link path.
type Reconciler struct {
	users       repository.UserRepository
	events      Events
	queuePrefix string
	logger      *zap.SugaredLogger
	metrics     *telemetry.Metrics
	now         func() time.Time
	newID       func() string
}

// NewReconciler builds a Reconciler over users.
func NewReconciler(users repository.UserRepository, opts Options) *Reconciler {
	r := &Reconciler{
		users:       users,
		events:      opts.Events,
		queuePrefix: opts.QueuePrefix,
		logger:      logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if r.events == nil {
		r.events = nopEvents{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = bunx.NewUUIDv7
	}
	return r
}

// ReconcileByProviderIdentity returns the canonical user for id, linking or
// creating it as needed. See Policy for conflict handling.
func (r *Reconciler) ReconcileByProviderIdentity(ctx context.Context, id Identity, policy Policy) (res Result, err error) {
	id.Email = NormalizeEmail(id.Email)
	if id.Provider == "" || id.Subject == "" || id.Email == "" {
		return Result{}, fmt.Errorf("%w: provider, subject and email are required", ErrInvalidIdentity)
	}

	ctx, finish := r.observe(ctx, "identity.ReconcileByProviderIdentity", id.Provider, policy)
	defer func() { finish(res, err) }()

	user, err := r.users.GetByProviderSubject(ctx, id.Provider, id.Subject)
	switch {
	case err == nil:
		return r.existing(user, policy)
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, fmt.Errorf("lookup %s identity: %w", id.Provider, err)
	}

	user, err = r.users.GetByEmail(ctx, id.Email)
	switch {
	case err == nil:
		return r.link(ctx, user, id, policy)
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, fmt.Errorf("lookup email: %w", err)
	}

	return r.create(ctx, id, policy)
}

// CreateByEmail creates a user keyed only by email, as the trusted internal
// create endpoint does. Provider links may ride along in attrs.Links.
func (r *Reconciler) CreateByEmail(ctx context.Context, email string, attrs Attributes, policy Policy) (res Result, err error) {
	email = NormalizeEmail(email)
	if email == "" {
		return Result{}, fmt.Errorf("%w: email is required", ErrInvalidIdentity)
	}

	ctx, finish := r.observe(ctx, "identity.CreateByEmail", ProviderEmail, policy)
	defer func() { finish(res, err) }()

	user, err := r.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if policy == PolicyStrict {
			return Result{}, ErrUserExists
		}
		return r.merge(ctx, user, attrs)
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, fmt.Errorf("lookup email: %w", err)
	}

	user = r.newUser(email, attrs)
	if err := r.users.Create(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrAlreadyExists) {
			return Result{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
		}
		if policy == PolicyStrict {
			return Result{}, ErrUserExists
		}
		// Lost the race for the email, or a link is owned elsewhere.
		existing, lookupErr := r.users.GetByEmail(ctx, email)
		if lookupErr != nil {
			return Result{}, ErrUserExists
		}
		return r.merge(ctx, existing, attrs)
	}

	r.logger.Infow("user created", "user_id", user.ID, "provider", ProviderEmail)
	r.events.UserCreated(ctx, user)
	return Result{User: user, Outcome: OutcomeCreated}, nil
}

func (r *Reconciler) existing(user *models.User, policy Policy) (Result, error) {
	if policy == PolicyStrict {
		return Result{}, ErrUserExists
	}
	return Result{User: user, Outcome: OutcomeExisting}, nil
}

// link attaches id to a user found by email and applies its attributes.
func (r *Reconciler) link(ctx context.Context, user *models.User, id Identity, policy Policy) (Result, error) {
	if prev, ok := user.Subject(id.Provider); ok && prev != id.Subject {
		r.logger.Warnw("replacing provider link",
			"user_id", user.ID,
			"provider", id.Provider,
			"previous_subject", prev,
		)
	}

	linked, err := r.users.LinkIdentity(ctx, user.ID, id.Provider, id.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			// Linked to someone concurrently; that owner wins.
			owner, lookupErr := r.users.GetByProviderSubject(ctx, id.Provider, id.Subject)
			if lookupErr != nil {
				return Result{}, fmt.Errorf("link %s identity: %w", id.Provider, err)
			}
			return r.existing(owner, policy)
		}
		return Result{}, fmt.Errorf("link %s identity: %w", id.Provider, err)
	}

	out, err := r.applyAttributes(ctx, linked, id.Attributes)
	if err != nil {
		return Result{}, err
	}

	r.logger.Infow("provider linked", "user_id", out.ID, "provider", id.Provider)
	r.events.UserUpdated(ctx, out)
	return Result{User: out, Outcome: OutcomeLinked}, nil
}

// merge applies attrs, including extra provider links, to an existing user.
func (r *Reconciler) merge(ctx context.Context, user *models.User, attrs Attributes) (Result, error) {
	out := user
	for _, provider := range attrs.linkedProviders() {
		linked, err := r.users.LinkIdentity(ctx, out.ID, provider, attrs.Links[provider])
		if err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return Result{}, ErrUserExists
			}
			return Result{}, fmt.Errorf("link %s identity: %w", provider, err)
		}
		out = linked
	}

	out, err := r.applyAttributes(ctx, out, attrs)
	if err != nil {
		return Result{}, err
	}
	r.events.UserUpdated(ctx, out)
	return Result{User: out, Outcome: OutcomeUpdated}, nil
}

func (r *Reconciler) applyAttributes(ctx context.Context, user *models.User, attrs Attributes) (*models.User, error) {
	upd := attrs.UpdateFor(user)
	if upd.IsZero() {
		return user, nil
	}
	out, err := r.users.Update(ctx, user.ID, upd)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return out, nil
}

func (r *Reconciler) create(ctx context.Context, id Identity, policy Policy) (Result, error) {
	user := r.newUser(id.Email, id.Attributes)
	user.Identities = append([]models.Identity{{Provider: id.Provider, Subject: id.Subject}}, user.Identities...)

	err := r.users.Create(ctx, user)
	if err == nil {
		r.logger.Infow("user created", "user_id", user.ID, "provider", id.Provider)
		r.events.UserCreated(ctx, user)
		return Result{User: user, Outcome: OutcomeCreated}, nil
	}
	if !errors.Is(err, repository.ErrAlreadyExists) {
		r.logger.Errorw("user create failed", "provider", id.Provider, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	// Lost a create race. Re-read in lookup order and continue from there.
	r.logger.Warnw("user create conflicted, re-reading", "provider", id.Provider)
	if owner, lookupErr := r.users.GetByProviderSubject(ctx, id.Provider, id.Subject); lookupErr == nil {
		return r.existing(owner, policy)
	}
	if byEmail, lookupErr := r.users.GetByEmail(ctx, id.Email); lookupErr == nil {
		return r.link(ctx, byEmail, id, policy)
	}
	return Result{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
}

func (r *Reconciler) newUser(email string, attrs Attributes) *models.User {
	id := r.newID()
	prefs := models.DefaultPreferences()
	for k, v := range attrs.Preferences {
		prefs[k] = v
	}
	features := models.JSONMap{}
	for k, v := range attrs.Features {
		features[k] = v
	}

	user := &models.User{
		ID:              id,
		Email:           email,
		Username:        attrs.Username,
		Created:         r.now().UnixMilli(),
		Preferences:     prefs,
		Features:        features,
		QueueName:       r.queuePrefix + id,
		TermsAcceptedAt: attrs.TermsAcceptedAt,
	}
	for _, provider := range attrs.linkedProviders() {
		user.Identities = append(user.Identities, models.Identity{Provider: provider, Subject: attrs.Links[provider]})
	}
	return user
}

// observe starts a span and returns the function that ends it and records
// the outcome metric.
func (r *Reconciler) observe(ctx context.Context, name, provider string, policy Policy) (context.Context, func(Result, error)) {
	start := r.now()
	ctx, span := telemetry.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(telemetry.AttrProvider, provider),
		attribute.String(telemetry.AttrPolicy, policy.String()),
	))

	return ctx, func(res Result, err error) {
		outcome := string(res.Outcome)
		switch {
		case errors.Is(err, ErrUserExists):
			outcome = "conflict"
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String(telemetry.AttrOutcome, outcome))
		if res.User != nil {
			span.SetAttributes(attribute.String("user.id", res.User.ID))
		}
		span.End()
		r.metrics.RecordReconcile(ctx, provider, policy.String(), outcome, r.now().Sub(start))
	}
}
