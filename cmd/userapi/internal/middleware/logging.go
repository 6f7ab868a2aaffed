package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
)

// RequestLogger logs one structured line per request. Health checks are
// logged at debug level.
func RequestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				fields := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", chimiddleware.GetReqID(r.Context()),
				}
				if r.URL.Path == "/hc" {
					logger.Debugw("request", fields...)
					return
				}
				logger.Infow("request", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
