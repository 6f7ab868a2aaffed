package models

import "encoding/json"

// PublicUser is the caller-facing view returned by /user/me. It never
// exposes the queue name or provider links.
type PublicUser struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	Username    *string `json:"username,omitempty"`
	Created     int64   `json:"created"`
	Preferences JSONMap `json:"preferences"`
	Features    JSONMap `json:"features"`
}

// Public returns the public view of u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		Created:     u.Created,
		Preferences: u.Preferences.Clone(),
		Features:    u.Features.Clone(),
	}
}

// RawUser is the full record as seen by trusted internal callers and
// webhook subscribers. Provider links are flattened to idp:<provider>:id keys.
type RawUser struct {
	ID              string
	Email           string
	Username        *string
	Created         int64
	Preferences     JSONMap
	Features        JSONMap
	QueueName       string
	TermsAcceptedAt *int64
	Links           map[string]string
}

// Raw returns the internal view of u.
func (u *User) Raw() RawUser {
	return RawUser{
		ID:              u.ID,
		Email:           u.Email,
		Username:        u.Username,
		Created:         u.Created,
		Preferences:     u.Preferences.Clone(),
		Features:        u.Features.Clone(),
		QueueName:       u.QueueName,
		TermsAcceptedAt: u.TermsAcceptedAt,
		Links:           u.ProviderLinks(),
	}
}

// MarshalJSON flattens the record into a single object.
func (r RawUser) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"id":          r.ID,
		"email":       r.Email,
		"created":     r.Created,
		"preferences": r.Preferences,
		"features":    r.Features,
		"_queue":      r.QueueName,
	}
	if r.Username != nil {
		out["username"] = *r.Username
	}
	if r.TermsAcceptedAt != nil {
		out["terms_accepted_at"] = *r.TermsAcceptedAt
	}
	for provider, subject := range r.Links {
		out[IdentityKey(provider)] = subject
	}
	return json.Marshal(out)
}

// IdentityKey is the flattened attribute name of a provider link.
func IdentityKey(provider string) string {
	return "idp:" + provider + ":id"
}
