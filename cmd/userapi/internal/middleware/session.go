package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/httpjson"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
)

// errUnsupportedScheme is returned for Authorization headers that are not Bearer.
var errUnsupportedScheme = errors.New("invalid authorization type")

// SessionValidator validates a session token. Implemented by auth.SessionIssuer.
type SessionValidator interface {
	Validate(token string) (auth.Session, error)
}

// SessionOptions configures a SessionAuthenticator.
type SessionOptions struct {
	// CookieName holds the session token for browser callers
	CookieName string
	// IdPCookieName records the provider the browser last logged in with
	IdPCookieName string
	// DefaultProvider is used when the idp cookie is absent or unknown
	DefaultProvider string
	// Providers lists the acceptable values of the idp cookie
	Providers []string
	Logger    *zap.SugaredLogger
	OnFailure FailureHook
}

// NewSessionAuthenticator returns middleware that authenticates the caller
// from a session token and stores the auth.Principal on the request context.
//
// The credential source decides how failures are reported:
//
//	Authorization: Bearer <token>  -> 401 JSON error on any failure (API callers)
//	session cookie                 -> 307 to /login/{provider} on any failure (browsers)
//	neither                        -> 307 to /login/{provider}
//
// The login redirect carries the original request URI in ?redirect= and
// uses the provider from the idp cookie, falling back to DefaultProvider.
func NewSessionAuthenticator(validator SessionValidator, opts SessionOptions) func(http.Handler) http.Handler {
	logger := logging.OrNop(opts.Logger)
	known := make(map[string]struct{}, len(opts.Providers))
	for _, p := range opts.Providers {
		known[p] = struct{}{}
	}

	fail := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debugw("session authentication failed", "path", r.URL.Path, "reason", err.Error())
		if opts.OnFailure != nil {
			opts.OnFailure(r.Context(), "session", err)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Authorization"); header != "" {
				scheme, token, _ := strings.Cut(strings.TrimSpace(header), " ")
				if !strings.EqualFold(scheme, "bearer") {
					fail(w, r, errUnsupportedScheme)
					httpjson.Error(w, http.StatusUnauthorized, "Invalid authorization type")
					return
				}

				session, err := validator.Validate(strings.TrimSpace(token))
				if err != nil {
					fail(w, r, err)
					httpjson.Error(w, http.StatusUnauthorized, auth.PublicMessage(err))
					return
				}
				next.ServeHTTP(w, r.WithContext(withSession(r, session)))
				return
			}

			cookie, err := r.Cookie(opts.CookieName)
			if err != nil || cookie.Value == "" {
				redirectToLogin(w, r, loginProvider(r, opts, known))
				return
			}

			session, err := validator.Validate(cookie.Value)
			if err != nil {
				fail(w, r, err)
				redirectToLogin(w, r, loginProvider(r, opts, known))
				return
			}
			next.ServeHTTP(w, r.WithContext(withSession(r, session)))
		})
	}
}

func withSession(r *http.Request, s auth.Session) context.Context {
	return auth.WithPrincipal(r.Context(), auth.Principal{UserID: s.UserID, SessionID: s.SessionID})
}

// loginProvider picks the provider for the login redirect from the idp cookie.
// Unknown values are ignored so the cookie cannot steer the redirect path.
func loginProvider(r *http.Request, opts SessionOptions, known map[string]struct{}) string {
	if c, err := r.Cookie(opts.IdPCookieName); err == nil {
		if _, ok := known[c.Value]; ok {
			return c.Value
		}
	}
	if opts.DefaultProvider != "" {
		return opts.DefaultProvider
	}
	return "cognito"
}

// LoginPath builds /login/{provider}?redirect={target}.
func LoginPath(provider, target string) string {
	return "/login/" + url.PathEscape(provider) + "?redirect=" + url.QueryEscape(target)
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, provider string) {
	http.Redirect(w, r, LoginPath(provider, r.URL.RequestURI()), http.StatusTemporaryRedirect)
}
