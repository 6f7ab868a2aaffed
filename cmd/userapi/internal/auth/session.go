package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys"
)

// DefaultSessionDuration is used when no duration is configured.
const DefaultSessionDuration = 24 * time.Hour

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Session is a validated session token.
type Session struct {
	UserID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionIssuer mints and validates RS256 session tokens. Tokens are not
// stored anywhere; validity is the signature plus the exp claim, so a token
// cannot be revoked before it expires.
type SessionIssuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	duration   time.Duration
	now        func() time.Time
}

// SessionOption customises a SessionIssuer.
type SessionOption func(*SessionIssuer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionIssuer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionIssuer builds an issuer from the session key pair. A zero
// duration falls back to DefaultSessionDuration.
func NewSessionIssuer(pair keys.KeyPair, duration time.Duration, opts ...SessionOption) (*SessionIssuer, error) {
	pub, ok := pair.Public.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("session public key must be RSA, got %T", pair.Public)
	}
	var priv *rsa.PrivateKey
	if pair.Private != nil {
		priv, ok = pair.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("session private key must be RSA, got %T", pair.Private)
		}
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}

	kid, err := Thumbprint(pub)
	if err != nil {
		return nil, err
	}

	s := &SessionIssuer{
		privateKey: priv,
		publicKey:  pub,
		keyID:      kid,
		duration:   duration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Duration returns the configured token lifetime.
func (s *SessionIssuer) Duration() time.Duration {
	return s.duration
}

// PublicKey returns the key tokens are verified against.
func (s *SessionIssuer) PublicKey() *rsa.PublicKey {
	return s.publicKey
}

// KeyID returns the kid header stamped on issued tokens.
func (s *SessionIssuer) KeyID() string {
	return s.keyID
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Issue signs a token binding userID and sessionID, valid for the configured duration.
func (s *SessionIssuer) Issue(userID, sessionID string) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("session issuer has no private key")
	}
	if userID == "" || sessionID == "" {
		return "", fmt.Errorf("userId and sessionId are required")
	}

	now := s.now()
	claims := SessionClaims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate verifies the token signature against the session public key and
// then its expiry. Failures wrap ErrSessionBadSignature, ErrSessionExpired
// or ErrSessionMalformed. The signature is always checked first, so an
// expired token with a forged signature reports a bad signature.
func (s *SessionIssuer) Validate(token string) (Session, error) {
	if token == "" {
		return Session{}, fmt.Errorf("%w: empty token", ErrSessionMalformed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	var claims SessionClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	})
	if err != nil {
		return Session{}, classifyJWTError(err)
	}

	if claims.UserID == "" || claims.SessionID == "" {
		return Session{}, fmt.Errorf("%w: missing userId or sessionId", ErrSessionMalformed)
	}

	session := Session{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}
	return session, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSessionBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}
}
