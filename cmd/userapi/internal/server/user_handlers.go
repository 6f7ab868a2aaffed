package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/httpjson"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/middleware"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
)

// UserReconciler is the part of identity.Reconciler the handlers need.
type UserReconciler interface {
	ReconcileByProviderIdentity(ctx context.Context, id identity.Identity, policy identity.Policy) (identity.Result, error)
	CreateByEmail(ctx context.Context, email string, attrs identity.Attributes, policy identity.Policy) (identity.Result, error)
}

// UserEvents receives the lifecycle events raised by direct updates and
// deletes. Creates and links raise theirs inside the reconciler.
type UserEvents interface {
	UserUpdated(ctx context.Context, user *models.User)
	UserDeleted(ctx context.Context, user *models.User)
}

type nopUserEvents struct{}

func (nopUserEvents) UserUpdated(context.Context, *models.User) {}
func (nopUserEvents) UserDeleted(context.Context, *models.User) {}

// UserHandlers serves the /user and /users routes.
type UserHandlers struct {
	users      repository.UserRepository
	reconciler UserReconciler
	events     UserEvents
	schemas    *Schemas
	validate   *validator.Validate
	logger     *zap.SugaredLogger
}

// NewUserHandlers creates the handler set. A nil events drops lifecycle events.
func NewUserHandlers(users repository.UserRepository, reconciler UserReconciler, events UserEvents, schemas *Schemas, logger *zap.SugaredLogger) *UserHandlers {
	if events == nil {
		events = nopUserEvents{}
	}
	return &UserHandlers{
		users:      users,
		reconciler: reconciler,
		events:     events,
		schemas:    schemas,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logging.OrNop(logger),
	}
}

// userUpdateBody is the body of PUT /user/me. Unknown fields are ignored.
type userUpdateBody struct {
	Username    *string        `json:"username"`
	Preferences map[string]any `json:"preferences"`
}

// systemUserUpdateBody is the body of PUT /user/{id}.
type systemUserUpdateBody struct {
	userUpdateBody
	Features        map[string]any `json:"features"`
	TermsAcceptedAt *int64         `json:"terms_accepted_at"`
}

// createUserBody holds the fields of POST /users that are not attributes.
type createUserBody struct {
	Email string `json:"email" validate:"required,email"`
}

// cognitoPostConfirmation is the PostConfirmation event forwarded by the
// Cognito lambda. The trigger guard has already checked its source and pool.
type cognitoPostConfirmation struct {
	TriggerSource string `json:"triggerSource" validate:"required"`
	UserPoolID    string `json:"userPoolId" validate:"required"`
	UserName      string `json:"userName"`
	Request       struct {
		UserAttributes struct {
			Sub   string `json:"sub" validate:"required"`
			Email string `json:"email" validate:"required,email"`
		} `json:"userAttributes"`
	} `json:"request"`
}

// GetMe handles GET /user/me.
func (h *UserHandlers) GetMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Errorw("load session user", "user_id", principal.UserID, "error", err)
		}
		// A valid session for a deleted user is still unauthorized.
		httpjson.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	httpjson.Write(w, http.StatusOK, user.Public())
}

// UpdateMe handles PUT /user/me.
func (h *UserHandlers) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body userUpdateBody
	if err := h.decodeValid(r, SchemaUserUpdate, &body); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.update(r.Context(), principal.UserID, identity.Attributes{
		Username:    body.Username,
		Preferences: body.Preferences,
	})
	if err != nil {
		h.logger.Errorw("update user", "user_id", principal.UserID, "error", err)
		status, msg := statusFor(err, "Unable to update user")
		if status == http.StatusNotFound {
			status, msg = http.StatusInternalServerError, "Unable to update user"
		}
		httpjson.Error(w, status, msg)
		return
	}
	httpjson.Write(w, http.StatusOK, user.Public())
}

// CreateFromCognito handles POST /user/cognito. New users get 201; a user
// found by email gets the cognito link and 200; a known sub is a conflict.
func (h *UserHandlers) CreateFromCognito(w http.ResponseWriter, r *http.Request) {
	var event cognitoPostConfirmation
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(event); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	attrs := event.Request.UserAttributes
	res, err := h.reconciler.ReconcileByProviderIdentity(r.Context(), identity.Identity{
		Provider: models.ProviderCognito,
		Subject:  attrs.Sub,
		Email:    attrs.Email,
	}, identity.PolicyStrict)
	if err != nil {
		status, msg := statusFor(err, "Unable to create user")
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("cognito user create failed", "sub", attrs.Sub, "error", err)
		}
		httpjson.Error(w, status, msg)
		return
	}
	httpjson.Write(w, statusForOutcome(res.Outcome), res.User.Public())
}

// CreateByEmail handles POST /users, the trusted internal create.
func (h *UserHandlers) CreateByEmail(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.schemas.Validate(SchemaSystemUserUpdate, data); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var body createUserBody
	if err := json.Unmarshal(data, &body); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	delete(raw, "email")
	attrs, err := identity.DecodeAttributes(raw)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.reconciler.CreateByEmail(r.Context(), body.Email, attrs, identity.PolicyStrict)
	if err != nil {
		status, msg := statusFor(err, "Unable to create user")
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("user create failed", "error", err)
		}
		httpjson.Error(w, status, msg)
		return
	}
	httpjson.Write(w, statusForOutcome(res.Outcome), res.User.Raw())
}

// Get handles GET /user/{id}.
func (h *UserHandlers) Get(w http.ResponseWriter, r *http.Request) {
	h.writeLookup(w, r, func(ctx context.Context) (*models.User, error) {
		return h.users.GetByID(ctx, chi.URLParam(r, "id"))
	})
}

// GetByProvider handles GET /user/{id}/{provider}, where id is the
// provider subject, or the email address for provider "email".
func (h *UserHandlers) GetByProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	provider := chi.URLParam(r, "provider")

	h.writeLookup(w, r, func(ctx context.Context) (*models.User, error) {
		switch provider {
		case identity.ProviderEmail:
			return h.users.GetByEmail(ctx, identity.NormalizeEmail(id))
		case models.ProviderCognito, models.ProviderGoogle, models.ProviderDiscord:
			return h.users.GetByProviderSubject(ctx, provider, id)
		default:
			return nil, ErrUnknownLookup
		}
	})
}

// Update handles PUT /user/{id}, the system update.
func (h *UserHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body systemUserUpdateBody
	if err := h.decodeValid(r, SchemaSystemUserUpdate, &body); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.update(r.Context(), id, identity.Attributes{
		Username:        body.Username,
		Preferences:     body.Preferences,
		Features:        body.Features,
		TermsAcceptedAt: body.TermsAcceptedAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpjson.Error(w, http.StatusNotFound, "User Not Found")
			return
		}
		status, msg := statusFor(err, "Unable to update user")
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("update user", "user_id", id, "error", err)
		}
		httpjson.Error(w, status, msg)
		return
	}
	httpjson.Write(w, http.StatusOK, user.Raw())
}

// Delete handles DELETE /user/{id}.
func (h *UserHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	user, err := h.users.GetByID(ctx, id)
	if err == nil {
		err = h.users.Delete(ctx, id)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httpjson.Error(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Errorw("delete user", "user_id", id, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "Unable to delete user")
		return
	}

	h.logger.Infow("user deleted", "user_id", id)
	h.events.UserDeleted(ctx, user)
	httpjson.Write(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

// update merges attrs into the stored user and raises user.updated.
func (h *UserHandlers) update(ctx context.Context, id string, attrs identity.Attributes) (*models.User, error) {
	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	upd := attrs.UpdateFor(user)
	if upd.IsZero() {
		return user, nil
	}
	out, err := h.users.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	h.events.UserUpdated(ctx, out)
	return out, nil
}

func (h *UserHandlers) writeLookup(w http.ResponseWriter, r *http.Request, lookup func(context.Context) (*models.User, error)) {
	user, err := lookup(r.Context())
	if err != nil {
		status, msg := statusFor(err, "Unable to load user")
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("user lookup failed", "path", r.URL.Path, "error", err)
		}
		httpjson.Error(w, status, msg)
		return
	}
	httpjson.Write(w, http.StatusOK, user.Raw())
}

// decodeValid reads the body, validates it against the named schema and
// decodes it into v.
func (h *UserHandlers) decodeValid(r *http.Request, schema string, v any) error {
	data, err := readBody(r)
	if err != nil {
		return ErrInvalidBody
	}
	if err := h.schemas.Validate(schema, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidBody
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, ErrInvalidBody
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, middleware.MaxSignedBodyBytes))
}

func statusForOutcome(o identity.Outcome) int {
	if o == identity.OutcomeCreated {
		return http.StatusCreated
	}
	return http.StatusOK
}
