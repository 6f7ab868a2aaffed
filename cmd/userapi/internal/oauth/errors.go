package oauth

import "errors"

var (
	// ErrUpstreamProvider is returned when the provider rejects the code or
	// returns an unusable identity
	ErrUpstreamProvider = errors.New("upstream provider failure")

	// ErrNoRedirectURL is returned when /login/{provider} has no ?redirect=
	ErrNoRedirectURL = errors.New("no redirect url provided")

	// ErrInvalidRedirect is returned for redirect targets outside the allow-list
	ErrInvalidRedirect = errors.New("invalid redirect url")

	// ErrInvalidState is returned when the callback state does not match the state cookie
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownProvider is returned for providers that are not configured
	ErrUnknownProvider = errors.New("unknown provider")
)
