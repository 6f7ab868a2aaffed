package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Known identity providers. Email is not a provider but shares the lookup path.
const (
	ProviderCognito = "cognito"
	ProviderGoogle  = "google"
	ProviderDiscord = "discord"
)

// DefaultImageSize is the width and height given to new users.
const DefaultImageSize = 512

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{3,30}$`)

// User is the canonical user record all external identities reconcile to.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID              string     `bun:"id,pk,type:uuid"`
	Email           string     `bun:"email,notnull,unique"`
	Username        *string    `bun:"username"`
	Created         int64      `bun:"created,notnull"` // epoch milliseconds
	Preferences     JSONMap    `bun:"preferences,type:jsonb,notnull"`
	Features        JSONMap    `bun:"features,type:jsonb,notnull"`
	QueueName       string     `bun:"queue_name,notnull"`
	TermsAcceptedAt *int64     `bun:"terms_accepted_at"` // epoch milliseconds
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	Identities      []Identity `bun:"rel:has-many,join:id=user_id"`
}

// Identity links a provider subject to a user. (provider, subject) is
// unique, and a user holds at most one subject per provider.
type Identity struct {
	bun.BaseModel `bun:"table:user_identities,alias:ui"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    string    `bun:"user_id,notnull,type:uuid"` // FK to users(id)
	Provider  string    `bun:"provider,notnull"`
	Subject   string    `bun:"subject,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// DefaultPreferences returns the preferences given to a new user.
func DefaultPreferences() JSONMap {
	return JSONMap{"width": DefaultImageSize, "height": DefaultImageSize}
}

// ProviderLinks returns the provider → subject map of u.
func (u *User) ProviderLinks() map[string]string {
	links := make(map[string]string, len(u.Identities))
	for _, id := range u.Identities {
		links[id.Provider] = id.Subject
	}
	return links
}

// Subject returns the subject linked for provider, if any.
func (u *User) Subject(provider string) (string, bool) {
	for _, id := range u.Identities {
		if id.Provider == provider {
			return id.Subject, true
		}
	}
	return "", false
}

// ValidateForCreate verifies the record is well formed before insertion.
func (u *User) ValidateForCreate() error {
	if _, err := uuid.Parse(u.ID); err != nil {
		return errors.New("id must be a valid UUID")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.QueueName == "" {
		return errors.New("queue_name is required")
	}
	if u.Username != nil && !usernamePattern.MatchString(*u.Username) {
		return fmt.Errorf("invalid username %q", *u.Username)
	}
	for _, id := range u.Identities {
		if id.Provider == "" || id.Subject == "" {
			return errors.New("identity provider and subject are required")
		}
	}
	return nil
}

// JSONMap is a free-form JSON object column (jsonb on PostgreSQL, text on SQLite).
type JSONMap map[string]any

// Scan implements sql.Scanner for reading from database
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan JSONMap: expected []byte or string, got %T", value)
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to scan JSONMap: %w", err)
	}
	*m = out
	return nil
}

// Value implements driver.Valuer for writing to database
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Clone returns a shallow copy of m that is never nil.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
