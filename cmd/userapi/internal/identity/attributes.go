package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
)

// linkKey matches provider link attributes such as "idp:google:id".
var linkKey = regexp.MustCompile(`^idp:(\w+):id$`)

// Attributes are the extra fields a reconciliation may carry onto the user.
// Only these keys are accepted; anything else is rejected at decode time.
type Attributes struct {
	Username        *string        `mapstructure:"username"`
	Preferences     map[string]any `mapstructure:"preferences"`
	Features        map[string]any `mapstructure:"features"`
	TermsAcceptedAt *int64         `mapstructure:"terms_accepted_at"`

	// Links maps provider name to subject, from "idp:<provider>:id" keys.
	Links map[string]string `mapstructure:"-"`
}

// DecodeAttributes converts a raw JSON object into Attributes.
// Provider links are accepted as "idp:<provider>:id" keys, and numeric
// subjects are converted to their decimal string form. Unknown keys fail.
// Decode JSON with UseNumber so large numeric ids keep their precision.
func DecodeAttributes(raw map[string]any) (Attributes, error) {
	var attrs Attributes
	rest := make(map[string]any, len(raw))

	for k, v := range raw {
		m := linkKey.FindStringSubmatch(k)
		if m == nil {
			rest[k] = v
			continue
		}
		subject, err := NormalizeSubject(v)
		if err != nil {
			return Attributes{}, fmt.Errorf("%w: %s: %v", ErrInvalidAttributes, k, err)
		}
		if attrs.Links == nil {
			attrs.Links = make(map[string]string)
		}
		attrs.Links[m[1]] = subject
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &attrs,
	})
	if err != nil {
		return Attributes{}, err
	}
	if err := decoder.Decode(rest); err != nil {
		return Attributes{}, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return attrs, nil
}

// IsZero reports whether no attribute is set.
func (a Attributes) IsZero() bool {
	return a.Username == nil && a.Preferences == nil && a.Features == nil &&
		a.TermsAcceptedAt == nil && len(a.Links) == 0
}

// linkedProviders returns the providers in Links in a stable order.
func (a Attributes) linkedProviders() []string {
	out := make([]string, 0, len(a.Links))
	for p := range a.Links {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// NormalizeSubject converts a provider subject id to its string form.
// Some providers send numeric ids; integral numbers are rendered without
// exponent or fraction so "80351110224678912" and 80351110224678912 agree.
func NormalizeSubject(v any) (string, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("subject %v is not an integer", t)
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return "", fmt.Errorf("subject is missing")
	default:
		return "", fmt.Errorf("unsupported subject type %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("subject is empty")
	}
	return s, nil
}

// NormalizeEmail canonicalises an email for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UpdateFor returns the update that applies a onto u. Preferences and
// features are merged key by key into the stored maps.
func (a Attributes) UpdateFor(u *models.User) repository.UserUpdate {
	upd := repository.UserUpdate{
		Username:        a.Username,
		TermsAcceptedAt: a.TermsAcceptedAt,
	}
	if a.Preferences != nil {
		upd.Preferences = u.Preferences.Clone()
		for k, v := range a.Preferences {
			upd.Preferences[k] = v
		}
	}
	if a.Features != nil {
		upd.Features = u.Features.Clone()
		for k, v := range a.Features {
			upd.Features[k] = v
		}
	}
	return upd
}
