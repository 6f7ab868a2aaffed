package middleware

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/httpjson"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/signature"
)

// MaxSignedBodyBytes caps the body read for signature verification.
const MaxSignedBodyBytes = 1 << 20

// CognitoPostConfirmation is the only lambda trigger accepted from the pool.
const CognitoPostConfirmation = "PostConfirmation_ConfirmSignUp"

// FailureHook observes requests rejected by an authenticator.
type FailureHook func(ctx context.Context, gate string, err error)

// SourceOptions configures a SourceAuthenticator.
type SourceOptions struct {
	// Name labels the trust relationship in logs and metrics (e.g. "internal", "cognito")
	Name      string
	Logger    *zap.SugaredLogger
	OnFailure FailureHook
}

// NewSourceAuthenticator returns middleware that only lets through requests
// whose body is signed by the holder of pub. The base64 signature travels in
// header. The body is buffered and restored so handlers can read it again.
//
//   - header absent: 400 {"error":"Missing signature"}
//   - header repeated: 400 {"error":"Only Include One Signature"}
//   - signature does not verify: 401 {"error":"Invalid signature"}
func NewSourceAuthenticator(pub crypto.PublicKey, header string, opts SourceOptions) func(http.Handler) http.Handler {
	logger := logging.OrNop(opts.Logger)
	name := opts.Name
	if name == "" {
		name = "source"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status, err := verifySource(r, pub, header)
			if err != nil {
				logger.Infow("rejected signed request",
					"gate", name,
					"method", r.Method,
					"path", r.URL.Path,
					"reason", err.Error(),
				)
				if opts.OnFailure != nil {
					opts.OnFailure(r.Context(), name, err)
				}
				msg := auth.PublicMessage(err)
				if errors.Is(err, errUnreadableBody) {
					msg = "Invalid request body"
				}
				httpjson.Error(w, status, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifySource(r *http.Request, pub crypto.PublicKey, header string) (int, error) {
	values := r.Header.Values(header)
	switch {
	case len(values) == 0 || values[0] == "":
		return http.StatusBadRequest, auth.ErrMissingSignature
	case len(values) > 1:
		return http.StatusBadRequest, auth.ErrMultipleSignatures
	}

	body, err := bufferBody(r)
	if err != nil {
		return http.StatusBadRequest, err
	}

	payload, err := signature.CanonicalBody(body)
	if err != nil {
		// Not JSON; the sender signed the raw bytes.
		payload = body
	}

	if !signature.Verify(payload, values[0], pub) {
		return http.StatusUnauthorized, auth.ErrInvalidSignature
	}
	return http.StatusOK, nil
}

var errUnreadableBody = errors.New("unreadable request body")

// bufferBody reads the request body and replaces it with an in-memory copy.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadableBody, err)
	}
	if len(body) > MaxSignedBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errUnreadableBody, MaxSignedBodyBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// NewCognitoTriggerGuard rejects lambda payloads that were not produced by a
// sign-up confirmation in the configured user pool. It runs after the
// signature check, so the payload is already trusted to come from the lambda.
func NewCognitoTriggerGuard(userPoolID string, opts SourceOptions) func(http.Handler) http.Handler {
	logger := logging.OrNop(opts.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := bufferBody(r)
			if err != nil {
				httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			var payload struct {
				TriggerSource string `json:"triggerSource"`
				UserPoolID    string `json:"userPoolId"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				httpjson.Error(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			var reject error
			switch {
			case payload.TriggerSource != CognitoPostConfirmation:
				reject = auth.ErrInvalidTriggerSource
			case payload.UserPoolID != userPoolID:
				reject = auth.ErrInvalidTenant
			}
			if reject != nil {
				logger.Warnw("rejected cognito trigger",
					"trigger_source", payload.TriggerSource,
					"user_pool_id", payload.UserPoolID,
					"reason", reject.Error(),
				)
				if opts.OnFailure != nil {
					opts.OnFailure(r.Context(), "cognito", reject)
				}
				httpjson.Error(w, http.StatusBadRequest, auth.PublicMessage(reject))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
