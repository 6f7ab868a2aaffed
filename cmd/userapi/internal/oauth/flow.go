package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/httpjson"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/telemetry"
)

// stateTTL bounds how long a user may spend at the provider.
const stateTTL = 10 * time.Minute

// Reconciler maps a provider identity onto a canonical user.
type Reconciler interface {
	ReconcileByProviderIdentity(ctx context.Context, id identity.Identity, policy identity.Policy) (identity.Result, error)
}

// SessionIssuer mints first-party session tokens.
type SessionIssuer interface {
	Issue(userID, sessionID string) (string, error)
	Duration() time.Duration
}

// FlowOptions configures a Flow.
type FlowOptions struct {
	Session config.SessionConfig
	Login   config.LoginConfig
	Logger  *zap.SugaredLogger
	Metrics *telemetry.Metrics
}

// Flow drives Start → provider → Callback → reconcile → session → redirect.
//
// The OAuth state parameter is an opaque random nonce. The nonce and the
// post-login redirect target are kept together in a short-lived httpOnly
// cookie and checked on callback, so the state is never trusted as a URL.
type Flow struct {
	providers  map[string]Provider
	reconciler Reconciler
	sessions   SessionIssuer
	session    config.SessionConfig
	login      config.LoginConfig
	origins    map[string]struct{}
	logger     *zap.SugaredLogger
	metrics    *telemetry.Metrics
}

// NewFlow builds a Flow over the enabled providers.
func NewFlow(providers map[string]Provider, reconciler Reconciler, sessions SessionIssuer, opts FlowOptions) *Flow {
	origins := make(map[string]struct{}, len(opts.Login.AllowedRedirectOrigins))
	for _, o := range opts.Login.AllowedRedirectOrigins {
		origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	if opts.Login.StateCookieName == "" {
		opts.Login.StateCookieName = "dreamup_oauth_state"
	}
	if opts.Login.ExchangeTimeout <= 0 {
		opts.Login.ExchangeTimeout = 10 * time.Second
	}
	return &Flow{
		providers:  providers,
		reconciler: reconciler,
		sessions:   sessions,
		session:    opts.Session,
		login:      opts.Login,
		origins:    origins,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// Start redirects the browser to the provider's authorize endpoint.
func (f *Flow) Start(w http.ResponseWriter, r *http.Request, providerName string) {
	p, ok := f.providers[providerName]
	if !ok {
		httpjson.Error(w, http.StatusNotFound, "Unknown provider")
		return
	}

	target := r.URL.Query().Get("redirect")
	if target == "" {
		httpjson.Error(w, http.StatusBadRequest, "No redirect URL provided")
		return
	}
	if err := f.checkRedirect(target); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "Invalid redirect URL")
		return
	}

	nonce, err := newNonce()
	if err != nil {
		f.logger.Errorw("generate oauth state", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "Unable to start login")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     f.login.StateCookieName,
		Value:    nonce + "." + base64.RawURLEncoding.EncodeToString([]byte(target)),
		Path:     "/login/" + providerName,
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   f.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, p.AuthCodeURL(nonce), http.StatusFound)
}

// Callback completes the login: it checks the state, exchanges the code,
// reconciles the identity, sets the session and idp cookies and redirects
// to the target recorded by Start. Login failures are not retried.
func (f *Flow) Callback(w http.ResponseWriter, r *http.Request, providerName string) {
	p, ok := f.providers[providerName]
	if !ok {
		httpjson.Error(w, http.StatusNotFound, "Unknown provider")
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "oauth.Callback",
		trace.WithAttributes(attribute.String(telemetry.AttrProvider, providerName)))
	defer span.End()

	target, err := f.consumeState(w, r, providerName)
	if err != nil {
		f.fail(ctx, span, providerName, err)
		httpjson.Error(w, http.StatusBadRequest, "Invalid state")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		f.fail(ctx, span, providerName, fmt.Errorf("%w: %s", ErrUpstreamProvider, e))
		httpjson.Error(w, http.StatusInternalServerError, "Unable to complete login")
		return
	}
	code := q.Get("code")
	if code == "" {
		httpjson.Error(w, http.StatusBadRequest, "Missing code")
		return
	}

	exCtx, cancel := context.WithTimeout(ctx, f.login.ExchangeTimeout)
	claims, err := p.Exchange(exCtx, code)
	cancel()
	if err != nil {
		f.fail(ctx, span, providerName, err)
		httpjson.Error(w, http.StatusInternalServerError, "Unable to complete login")
		return
	}

	res, err := f.reconciler.ReconcileByProviderIdentity(ctx, identity.Identity{
		Provider: providerName,
		Subject:  claims.Subject,
		Email:    claims.Email,
	}, identity.PolicyMerge)
	if err != nil {
		f.fail(ctx, span, providerName, err)
		httpjson.Error(w, http.StatusInternalServerError, "Unable to complete login")
		return
	}

	token, err := f.sessions.Issue(res.User.ID, auth.NewSessionID())
	if err != nil {
		f.fail(ctx, span, providerName, err)
		httpjson.Error(w, http.StatusInternalServerError, "Unable to complete login")
		return
	}

	f.setSessionCookies(w, token, providerName)
	f.metrics.RecordSessionIssued(ctx, providerName)
	span.SetAttributes(attribute.String("user.id", res.User.ID), attribute.String(telemetry.AttrOutcome, string(res.Outcome)))
	f.logger.Infow("login complete", "provider", providerName, "user_id", res.User.ID, "outcome", res.Outcome)

	http.Redirect(w, r, target, http.StatusFound)
}

// Logout clears the session cookie. Tokens are stateless, so a copied token
// stays valid until it expires.
func (f *Flow) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     f.session.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   f.session.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   f.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	httpjson.Write(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (f *Flow) setSessionCookies(w http.ResponseWriter, token, providerName string) {
	http.SetCookie(w, &http.Cookie{
		Name:     f.session.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   f.session.CookieDomain,
		MaxAge:   int(f.sessions.Duration().Seconds()),
		HttpOnly: true,
		Secure:   f.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     f.session.IdPCookieName,
		Value:    providerName,
		Path:     "/",
		Domain:   f.session.CookieDomain,
		MaxAge:   int(f.session.IdPCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   f.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// consumeState checks the state parameter against the state cookie, clears
// the cookie and returns the redirect target stored with it.
func (f *Flow) consumeState(w http.ResponseWriter, r *http.Request, providerName string) (string, error) {
	cookie, err := r.Cookie(f.login.StateCookieName)
	if err != nil {
		return "", fmt.Errorf("%w: no state cookie", ErrInvalidState)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     f.login.StateCookieName,
		Value:    "",
		Path:     "/login/" + providerName,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   f.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	nonce, encoded, ok := strings.Cut(cookie.Value, ".")
	state := r.URL.Query().Get("state")
	if !ok || state == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(state)) != 1 {
		return "", ErrInvalidState
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: bad redirect encoding", ErrInvalidState)
	}
	target := string(raw)
	if err := f.checkRedirect(target); err != nil {
		return "", err
	}
	return target, nil
}

// checkRedirect allows same-site relative paths and absolute URLs on an
// allow-listed origin.
func (f *Flow) checkRedirect(target string) error {
	if strings.HasPrefix(target, "/") {
		if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
			return ErrInvalidRedirect
		}
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidRedirect
	}
	if _, ok := f.origins[u.Scheme+"://"+u.Host]; !ok {
		return ErrInvalidRedirect
	}
	return nil
}

func (f *Flow) fail(ctx context.Context, span trace.Span, providerName string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	reason := "error"
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidRedirect):
		reason = "state"
	case errors.Is(err, ErrUpstreamProvider):
		reason = "upstream"
	}
	f.metrics.RecordAuthFailure(ctx, "oauth."+providerName, reason)
	f.logger.Warnw("login failed", "provider", providerName, "reason", reason, "error", err)
}

func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
