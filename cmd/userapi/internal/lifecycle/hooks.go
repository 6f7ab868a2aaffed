package lifecycle

import (
	"context"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

// Webhook event names.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// QueueProvisioner creates the per-user job queue.
type QueueProvisioner interface {
	Provision(ctx context.Context, name string) error
}

// WebhookSender delivers a lifecycle event to its subscribers.
type WebhookSender interface {
	Send(ctx context.Context, event string, payload any) error
}

// IdPSyncer writes the canonical user id back into an identity provider.
type IdPSyncer interface {
	Provider() string
	SyncUserID(ctx context.Context, subject, userID string) error
}

// Hooks turns user lifecycle events into dispatcher tasks. Nil collaborators
// are skipped.
type Hooks struct {
	dispatcher *Dispatcher
	queues     QueueProvisioner
	webhooks   WebhookSender
	idp        IdPSyncer
}

// HookOptions holds the collaborators of Hooks.
type HookOptions struct {
	Queues   QueueProvisioner
	Webhooks WebhookSender
	IdP      IdPSyncer
}

// NewHooks returns Hooks that schedule work on d.
func NewHooks(d *Dispatcher, opts HookOptions) *Hooks {
	return &Hooks{
		dispatcher: d,
		queues:     opts.Queues,
		webhooks:   opts.Webhooks,
		idp:        opts.IdP,
	}
}

// UserCreated provisions the user's queue, announces the user and syncs the
// id back to the IdP.
func (h *Hooks) UserCreated(ctx context.Context, user *models.User) {
	if h.queues != nil {
		name := user.QueueName
		h.dispatcher.Submit(ctx, Task{
			Name:   "queue.provision",
			UserID: user.ID,
			Run: func(ctx context.Context) error {
				return h.queues.Provision(ctx, name)
			},
		})
	}
	h.webhook(ctx, EventUserCreated, user)
	h.syncIdP(ctx, user)
}

// UserUpdated announces the change and syncs the id back to the IdP, which
// covers users who gained an IdP link through this update.
func (h *Hooks) UserUpdated(ctx context.Context, user *models.User) {
	h.webhook(ctx, EventUserUpdated, user)
	h.syncIdP(ctx, user)
}

// UserDeleted announces the deletion.
func (h *Hooks) UserDeleted(ctx context.Context, user *models.User) {
	h.webhook(ctx, EventUserDeleted, user)
}

func (h *Hooks) webhook(ctx context.Context, event string, user *models.User) {
	if h.webhooks == nil {
		return
	}
	payload := user.Raw()
	h.dispatcher.Submit(ctx, Task{
		Name:   "webhook." + event,
		UserID: user.ID,
		Run: func(ctx context.Context) error {
			return h.webhooks.Send(ctx, event, payload)
		},
	})
}

func (h *Hooks) syncIdP(ctx context.Context, user *models.User) {
	if h.idp == nil {
		return
	}
	subject, ok := user.Subject(h.idp.Provider())
	if !ok {
		return
	}
	userID := user.ID
	h.dispatcher.Submit(ctx, Task{
		Name:   "idp.sync." + h.idp.Provider(),
		UserID: userID,
		Run: func(ctx context.Context) error {
			return h.idp.SyncUserID(ctx, subject, userID)
		},
	})
}
