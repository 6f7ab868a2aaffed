package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/middleware"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/oauth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/telemetry"
)

// RouterOptions controls the construction of the user API router.
// Cfg, Keys, Users, Reconciler and Sessions are required.
type RouterOptions struct {
	Cfg        *config.Config
	Keys       *keys.Store
	Users      repository.UserRepository
	Reconciler UserReconciler
	Events     UserEvents
	Sessions   middleware.SessionValidator
	// Flow serves the browser login routes; they are not mounted when nil
	Flow           *oauth.Flow
	Schemas        *Schemas
	Logger         *zap.SugaredLogger
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	CORSOptions    *cors.Options
	HealthHandler  http.HandlerFunc
}

// DefaultCORSOptions returns the CORS policy for the web app origins.
func DefaultCORSOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy and
// every route mounted behind its gate:
//
//	session:  /user/me
//	cognito:  POST /user/cognito (lambda key + trigger guard)
//	internal: /users, /user/{id}[/{provider}] (webhook key)
func NewRouter(opts RouterOptions) (chi.Router, error) {
	if opts.Cfg == nil || opts.Keys == nil || opts.Users == nil || opts.Reconciler == nil || opts.Sessions == nil {
		return nil, errors.New("router: config, keys, users, reconciler and sessions are required")
	}
	logger := logging.OrNop(opts.Logger)
	cfg := opts.Cfg

	schemas := opts.Schemas
	if schemas == nil {
		var err error
		if schemas, err = LoadSchemas(); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	corsCfg := DefaultCORSOptions(cfg.CORSAllowedOrigins)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))
	r.Use(telemetry.HTTPMiddleware(opts.Metrics))

	onFailure := func(ctx context.Context, gate string, err error) {
		opts.Metrics.RecordAuthFailure(ctx, gate, auth.PublicMessage(err))
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/hc", healthHandler)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.Get("/.well-known/session-jwks.json", HandleJWKS(opts.Keys.Session.Public, logger))
	r.Get("/.well-known/webhook-jwks.json", HandleJWKS(opts.Keys.Webhook.Public, logger))

	if opts.Flow != nil {
		flow := opts.Flow
		r.Get("/login/{provider}", func(w http.ResponseWriter, r *http.Request) {
			flow.Start(w, r, chi.URLParam(r, "provider"))
		})
		r.Get("/login/{provider}/callback", func(w http.ResponseWriter, r *http.Request) {
			flow.Callback(w, r, chi.URLParam(r, "provider"))
		})
		r.Post("/logout", flow.Logout)
	}

	users := NewUserHandlers(opts.Users, opts.Reconciler, opts.Events, schemas, logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionAuthenticator(opts.Sessions, middleware.SessionOptions{
			CookieName:      cfg.Session.CookieName,
			IdPCookieName:   cfg.Session.IdPCookieName,
			DefaultProvider: cfg.Session.DefaultProvider,
			Providers:       cfg.EnabledProviders(),
			Logger:          logger,
			OnFailure:       onFailure,
		}))
		r.Get("/user/me", users.GetMe)
		r.Put("/user/me", users.UpdateMe)
	})

	r.Group(func(r chi.Router) {
		gate := middleware.SourceOptions{Name: "cognito", Logger: logger, OnFailure: onFailure}
		r.Use(middleware.NewSourceAuthenticator(opts.Keys.Cognito.Public, cfg.Cognito.SignatureHeader, gate))
		r.Use(middleware.NewCognitoTriggerGuard(cfg.Cognito.UserPoolID, gate))
		r.Post("/user/cognito", users.CreateFromCognito)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSourceAuthenticator(opts.Keys.Webhook.Public, cfg.Webhooks.SignatureHeader, middleware.SourceOptions{
			Name:      "internal",
			Logger:    logger,
			OnFailure: onFailure,
		}))
		r.Post("/users", users.CreateByEmail)
		r.Get("/user/{id}", users.Get)
		r.Get("/user/{id}/{provider}", users.GetByProvider)
		r.Put("/user/{id}", users.Update)
		r.Delete("/user/{id}", users.Delete)
	})

	return r, nil
}
