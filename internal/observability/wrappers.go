package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/security"
)

// --- InstrumentedStore ---

// InstrumentedStore wraps an identitystore.IdentityStore with metrics,
// tracing, and failed-login anomaly detection.
type InstrumentedStore struct {
	inner   identitystore.IdentityStore
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedStore wraps an identity store with observability.
func NewInstrumentedStore(inner identitystore.IdentityStore, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStore {
	return &InstrumentedStore{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

// InstrumentStores wraps every store. With all components nil the stores
// are returned unchanged.
func InstrumentStores(stores []identitystore.IdentityStore, obs *Observability) []identitystore.IdentityStore {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.Anomaly == nil) {
		return stores
	}
	out := make([]identitystore.IdentityStore, len(stores))
	for i, s := range stores {
		out[i] = NewInstrumentedStore(s, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	return out
}

func (s *InstrumentedStore) Name() string  { return s.inner.Name() }
func (s *InstrumentedStore) Priority() int { return s.inner.Priority() }

func (s *InstrumentedStore) Validate(ctx context.Context, cred credential.Credential) (identitystore.ValidationResult, error) {
	store := s.inner.Name()
	attrs := []attribute.KeyValue{attribute.String("identity_store.name", store)}
	if cred != nil {
		attrs = append(attrs, attribute.String("credential.kind", string(cred.Kind())))
	}
	ctx, span := startSpan(ctx, s.tracer, "identity_store.validate", attrs...)
	defer span.End()

	start := time.Now()
	result, err := s.inner.Validate(ctx, cred)
	duration := time.Since(start).Seconds()

	status := result.Status.String()
	if err != nil {
		status = "error"
		recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("identity_store.status", status))

	if s.metrics != nil {
		s.metrics.StoreValidationsTotal.WithLabelValues(store, status).Inc()
		s.metrics.StoreValidationDuration.WithLabelValues(store).Observe(duration)
	}

	if s.anomaly != nil {
		operation := "validate_" + store
		if err != nil {
			s.anomaly.RecordError(operation)
		} else {
			s.anomaly.RecordSuccess(operation)
		}
		if err == nil && result.Status == identitystore.Invalid {
			s.anomaly.RecordFailedLogin(callerOf(cred))
		}
	}

	return result, err
}

// callerOf returns the caller name a credential claims, if it names one.
func callerOf(cred credential.Credential) string {
	if named, ok := cred.(interface{ Caller() string }); ok {
		return named.Caller()
	}
	return ""
}

// --- SecurityObserver ---

// SecurityObserver implements security.Observer on top of the metrics
// collector and tracer.
type SecurityObserver struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewSecurityObserver returns an observer for a security.Container. It
// returns nil when both metrics and tracing are disabled; the container
// treats a nil observer as no instrumentation.
func NewSecurityObserver(obs *Observability) security.Observer {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil) {
		return nil
	}
	return &SecurityObserver{metrics: obs.Metrics, tracer: tracerOf(obs.Tracer)}
}

func (o *SecurityObserver) AuthenticationStarted(ctx context.Context, mechanism string) (context.Context, func(security.AuthenticationStatus, error)) {
	ctx, span := startSpan(ctx, o.tracer, "security.authenticate",
		attribute.String("security.mechanism", mechanism))
	start := time.Now()

	return ctx, func(status security.AuthenticationStatus, err error) {
		recordSpanError(span, err)
		span.SetAttributes(attribute.String("security.status", status.String()))
		span.End()

		if o.metrics != nil {
			o.metrics.AuthenticationsTotal.WithLabelValues(mechanism, status.String()).Inc()
			o.metrics.AuthenticationDuration.WithLabelValues(mechanism).Observe(time.Since(start).Seconds())
		}
	}
}

func (o *SecurityObserver) CredentialCleared(ctx context.Context, kind credential.Kind, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).AddEvent("credential.clear_failed",
			trace.WithAttributes(attribute.String("credential.kind", string(kind))))
	}
	o.metrics.RecordCredentialClear(kind, err)
}

func (o *SecurityObserver) AccessChecked(_ context.Context, pattern string, allowed bool) {
	if o.metrics == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	if pattern == "" {
		pattern = "none"
	}
	o.metrics.AccessChecksTotal.WithLabelValues(pattern, result).Inc()
}

// RecordCredentialClear counts a clear performed outside a security
// container, such as the HTTP validate endpoint.
func (m *MetricsCollector) RecordCredentialClear(kind credential.Kind, err error) {
	if m == nil {
		return
	}
	result := "cleared"
	if err != nil {
		result = "wipe_failed"
	}
	m.CredentialClearsTotal.WithLabelValues(string(kind), result).Inc()
}

// --- Compile-time interface checks ---

var (
	_ identitystore.IdentityStore = (*InstrumentedStore)(nil)
	_ security.Observer           = (*SecurityObserver)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
