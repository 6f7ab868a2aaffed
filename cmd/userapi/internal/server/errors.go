package server

import (
	"errors"
	"net/http"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/oauth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
)

var (
	// ErrInvalidBody is returned when a request body fails decoding or validation
	ErrInvalidBody = errors.New("invalid request body")

	// ErrUnknownLookup is returned for GET /user/{id}/{provider} with an unsupported provider
	ErrUnknownLookup = errors.New("unknown lookup provider")
)

// statusFor maps domain errors to an HTTP status and the message shown to
// the caller. fallback is used for unexpected failures.
func statusFor(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, identity.ErrInvalidIdentity), errors.Is(err, identity.ErrInvalidAttributes):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, identity.ErrUserExists), errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict, "User already exists"
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ErrUnknownLookup):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, oauth.ErrUpstreamProvider):
		return http.StatusBadGateway, "Identity provider unavailable"
	default:
		return http.StatusInternalServerError, fallback
	}
}
