package server

import (
	"crypto"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/httpjson"
)

// HandleJWKS serves pub as a JWK set so third parties can verify session
// tokens or webhook signatures without sharing PEM files.
func HandleJWKS(pub crypto.PublicKey, logger *zap.SugaredLogger) http.HandlerFunc {
	set, err := auth.PublicJWKS(pub)
	return func(w http.ResponseWriter, _ *http.Request) {
		if err != nil {
			logger.Errorw("build jwks", "error", err)
			httpjson.Error(w, http.StatusInternalServerError, "Key unavailable")
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		httpjson.Write(w, http.StatusOK, set)
	}
}
