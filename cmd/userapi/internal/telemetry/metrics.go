package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	AttrAuthGate   = "auth.gate"   // internal, cognito, session
	AttrAuthReason = "auth.reason" // public failure message

	AttrProvider = "identity.provider"
	AttrPolicy   = "identity.policy"  // merge, strict
	AttrOutcome  = "identity.outcome" // existing, linked, updated, created, conflict, error

	AttrTask        = "lifecycle.task" // queue.provision, webhook.user.created, ...
	AttrTaskSuccess = "lifecycle.success"
)

// Metrics holds the instruments recorded by the service. A nil *Metrics
// records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	RequestCounter    metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	AuthFailures      metric.Int64Counter
	SessionsIssued    metric.Int64Counter
	Reconciliations   metric.Int64Counter
	ReconcileDuration metric.Float64Histogram
	TaskAttempts      metric.Int64Counter
	DeadLetters       metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
// Call once at startup, after Init.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("user-service")
	m := &Metrics{}
	var err error

	if m.RequestCounter, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	); err != nil {
		return nil, err
	}
	if m.AuthFailures, err = meter.Int64Counter(
		"auth.failure.count",
		metric.WithDescription("Requests rejected by a signature or session gate"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}
	if m.SessionsIssued, err = meter.Int64Counter(
		"auth.session.issued.count",
		metric.WithDescription("Session tokens issued after a provider login"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.Reconciliations, err = meter.Int64Counter(
		"identity.reconcile.count",
		metric.WithDescription("Identity reconciliations by outcome"),
		metric.WithUnit("{reconciliation}"),
	); err != nil {
		return nil, err
	}
	if m.ReconcileDuration, err = meter.Float64Histogram(
		"identity.reconcile.duration",
		metric.WithDescription("Identity reconciliation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	); err != nil {
		return nil, err
	}
	if m.TaskAttempts, err = meter.Int64Counter(
		"lifecycle.task.attempt.count",
		metric.WithDescription("Side-effect task attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.DeadLetters, err = meter.Int64Counter(
		"lifecycle.dead_letter.count",
		metric.WithDescription("Side-effect tasks abandoned after retries"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
func (m *Metrics) RecordRequest(ctx context.Context, method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.String(AttrHTTPStatusCode, status),
	)
	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordAuthFailure counts a request rejected by gate.
func (m *Metrics) RecordAuthFailure(ctx context.Context, gate, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuthGate, gate),
		attribute.String(AttrAuthReason, reason),
	))
}

// RecordSessionIssued counts a session minted after logging in with provider.
func (m *Metrics) RecordSessionIssued(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.SessionsIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrProvider, provider)))
}

// RecordReconcile records one reconciliation.
func (m *Metrics) RecordReconcile(ctx context.Context, provider, policy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProvider, provider),
		attribute.String(AttrPolicy, policy),
		attribute.String(AttrOutcome, outcome),
	)
	m.Reconciliations.Add(ctx, 1, attrs)
	m.ReconcileDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordTaskAttempt counts one attempt of a side-effect task.
func (m *Metrics) RecordTaskAttempt(ctx context.Context, task string, success bool) {
	if m == nil {
		return
	}
	m.TaskAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTask, task),
		attribute.Bool(AttrTaskSuccess, success),
	))
}

// RecordDeadLetter counts a task that exhausted its retries.
func (m *Metrics) RecordDeadLetter(ctx context.Context, task string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTask, task)))
}
