// Package oauth runs the browser login flow against the external identity
// providers (Cognito hosted UI, Google, Discord) and turns a successful
// callback into a first-party session.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
)

// Claims is the identity asserted by a provider after code exchange.
type Claims struct {
	Subject string
	Email   string
}

// Provider is one OAuth2 identity provider.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for the caller's identity.
	// Failures wrap ErrUpstreamProvider.
	Exchange(ctx context.Context, code string) (Claims, error)
}

// identitySource extracts Claims from a token response.
type identitySource func(ctx context.Context, p *oauth2Provider, tok *oauth2.Token) (Claims, error)

// oauth2Provider is the shared code-exchange implementation. Variants differ
// only in where the identity comes from: the ID token, or a userinfo call.
type oauth2Provider struct {
	name        string
	conf        *oauth2.Config
	userInfoURL string
	verifier    *oidc.IDTokenVerifier
	identity    identitySource
	client      *http.Client
}

// ProviderOption customises a provider.
type ProviderOption func(*oauth2Provider)

// WithHTTPClient sets the client used for token, userinfo and JWKS calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *oauth2Provider) { p.client = c }
}

// NewProvider builds the named provider from its configuration.
//
// Cognito and Google identify the user from the ID token in the token
// response. The token is only decoded unless cfg.JWKSURL is set, in which
// case its signature, issuer, audience and expiry are verified. Discord has
// no ID token; the user is read from its userinfo endpoint.
func NewProvider(ctx context.Context, name string, cfg config.ProviderConfig, opts ...ProviderOption) (Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth provider %s: client id is required", name)
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth provider %s: auth and token urls are required", name)
	}

	p := &oauth2Provider{
		name: name,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		userInfoURL: cfg.UserInfoURL,
	}
	for _, opt := range opts {
		opt(p)
	}

	switch name {
	case models.ProviderCognito, models.ProviderGoogle:
		p.identity = idTokenIdentity
	case models.ProviderDiscord:
		if cfg.UserInfoURL == "" {
			return nil, fmt.Errorf("oauth provider %s: userinfo url is required", name)
		}
		p.identity = userInfoIdentity
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", name)
	}

	if cfg.JWKSURL != "" {
		keyCtx := context.WithoutCancel(ctx)
		if p.client != nil {
			keyCtx = oidc.ClientContext(keyCtx, p.client)
		}
		keySet := oidc.NewRemoteKeySet(keyCtx, cfg.JWKSURL)
		p.verifier = oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: cfg.Issuer == "",
		})
	}
	return p, nil
}

// NewProviders builds every provider enabled in cfg.
func NewProviders(ctx context.Context, cfg *config.Config, opts ...ProviderOption) (map[string]Provider, error) {
	providers := make(map[string]Provider)
	for _, name := range cfg.EnabledProviders() {
		p, err := NewProvider(ctx, name, cfg.Providers[name], opts...)
		if err != nil {
			return nil, err
		}
		providers[name] = p
	}
	return providers, nil
}

// Names returns the sorted names of providers.
func Names(providers map[string]Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *oauth2Provider) Name() string { return p.name }

func (p *oauth2Provider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state)
}

func (p *oauth2Provider) Exchange(ctx context.Context, code string) (Claims, error) {
	ctx = p.clientContext(ctx)
	tok, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s token exchange: %v", ErrUpstreamProvider, p.name, err)
	}

	claims, err := p.identity(ctx, p, tok)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s identity: %v", ErrUpstreamProvider, p.name, err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return Claims{}, fmt.Errorf("%w: %s identity is missing subject or email", ErrUpstreamProvider, p.name)
	}
	return claims, nil
}

func (p *oauth2Provider) clientContext(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func idTokenIdentity(ctx context.Context, p *oauth2Provider, tok *oauth2.Token) (Claims, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return Claims{}, errors.New("token response has no id_token")
	}

	var fields map[string]any
	if p.verifier != nil {
		idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient()), raw)
		if err != nil {
			return Claims{}, fmt.Errorf("verify id token: %w", err)
		}
		var payload json.RawMessage
		if err := idToken.Claims(&payload); err != nil {
			return Claims{}, fmt.Errorf("decode id token claims: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return Claims{}, fmt.Errorf("decode id token claims: %w", err)
		}
	} else {
		mc := jwt.MapClaims{}
		if _, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(raw, mc); err != nil {
			return Claims{}, fmt.Errorf("decode id token: %w", err)
		}
		fields = mc
	}
	return claimsFrom(fields, "sub")
}

func userInfoIdentity(ctx context.Context, p *oauth2Provider, tok *oauth2.Token) (Claims, error) {
	resp, err := p.conf.Client(ctx, tok).Get(p.userInfoURL)
	if err != nil {
		return Claims{}, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Claims{}, fmt.Errorf("userinfo: status %d", resp.StatusCode)
	}

	fields := map[string]any{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Claims{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return claimsFrom(fields, "id")
}

// claimsFrom reads the subject (string or numeric) and email from decoded claims.
func claimsFrom(fields map[string]any, subjectKey string) (Claims, error) {
	subject, err := identity.NormalizeSubject(fields[subjectKey])
	if err != nil {
		return Claims{}, fmt.Errorf("%s claim: %w", subjectKey, err)
	}
	email, _ := fields["email"].(string)
	return Claims{Subject: subject, Email: email}, nil
}

func (p *oauth2Provider) httpClient() *http.Client {
	if p.client != nil {
		return p.client
	}
	return http.DefaultClient
}
