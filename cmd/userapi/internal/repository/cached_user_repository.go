package repository

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

// CachedUserRepository serves GetByID from a bounded, expiring in-process
// cache. Writes go through to the wrapped repository and evict the entry.
// Other replicas may serve a stale record for at most the TTL.
type CachedUserRepository struct {
	UserRepository
	cache *expirable.LRU[string, *models.User]
}

// NewCachedUserRepository wraps next with an LRU of size entries that expire after ttl.
func NewCachedUserRepository(next UserRepository, size int, ttl time.Duration) *CachedUserRepository {
	if size <= 0 {
		size = 1024
	}
	return &CachedUserRepository{
		UserRepository: next,
		cache:          expirable.NewLRU[string, *models.User](size, nil, ttl),
	}
}

// GetByID returns a cached copy when present.
func (r *CachedUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := r.cache.Get(id); ok {
		return cloneUser(u), nil
	}
	u, err := r.UserRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, cloneUser(u))
	return u, nil
}

func (r *CachedUserRepository) Update(ctx context.Context, id string, upd UserUpdate) (*models.User, error) {
	r.cache.Remove(id)
	u, err := r.UserRepository.Update(ctx, id, upd)
	r.cache.Remove(id)
	return u, err
}

func (r *CachedUserRepository) LinkIdentity(ctx context.Context, userID, provider, subject string) (*models.User, error) {
	r.cache.Remove(userID)
	u, err := r.UserRepository.LinkIdentity(ctx, userID, provider, subject)
	r.cache.Remove(userID)
	return u, err
}

func (r *CachedUserRepository) Delete(ctx context.Context, id string) error {
	r.cache.Remove(id)
	err := r.UserRepository.Delete(ctx, id)
	r.cache.Remove(id)
	return err
}

// Len returns the number of cached users.
func (r *CachedUserRepository) Len() int {
	return r.cache.Len()
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Preferences = u.Preferences.Clone()
	c.Features = u.Features.Clone()
	c.Identities = append([]models.Identity(nil), u.Identities...)
	if u.Username != nil {
		name := *u.Username
		c.Username = &name
	}
	if u.TermsAcceptedAt != nil {
		at := *u.TermsAcceptedAt
		c.TermsAcceptedAt = &at
	}
	return &c
}
