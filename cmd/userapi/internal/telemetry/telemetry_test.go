package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.ObservabilityConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p.MetricsHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_RejectsGRPC(t *testing.T) {
	_, err := Init(context.Background(), config.ObservabilityConfig{
		OTLPEndpoint: "localhost:4317",
		OTLPProtocol: "grpc",
		ServiceName:  "user-service",
	}, nil)
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordRequest(ctx, "GET", "/hc", "200", time.Millisecond)
		m.RecordAuthFailure(ctx, "internal", "Missing signature")
		m.RecordSessionIssued(ctx, "google")
		m.RecordReconcile(ctx, "cognito", "strict", "created", time.Millisecond)
		m.RecordTaskAttempt(ctx, "queue.provision", false)
		m.RecordDeadLetter(ctx, "queue.provision")
	})
}

func TestPrometheusExposition(t *testing.T) {
	reader, handler, err := NewPrometheusReader()
	require.NoError(t, err)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	counter, err := mp.Meter("test").Int64Counter("identity.reconcile.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "identity_reconcile_count")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	var route string
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			route = chi.RouteContext(req.Context()).RoutePattern()
		})
	})
	r.Use(HTTPMiddleware(nil))
	r.Get("/user/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/0190d5c8", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/user/{id}", route)
}
