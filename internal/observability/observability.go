// Package observability wires Prometheus metrics, OpenTelemetry tracing,
// readiness checks and failed-login anomaly detection into gatekeep.
//
// Every component is optional. A nil *Observability and its nil fields are
// valid; the accessors and wrappers treat them as "off".
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/gatekeep/internal/config"
)

type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg yields a nil
// *Observability. The health checker exists whenever cfg is non-nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	o := &Observability{Health: NewHealthChecker(logger)}
	if m := cfg.Metrics; m != nil && m.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if tc := cfg.Tracing; tc != nil && tc.Enabled {
		ts, err := NewTracerSetup(tc)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		o.Tracer = ts
	}
	if ac := cfg.Anomaly; ac != nil && ac.Enabled {
		o.Anomaly = NewAnomalyDetector(ac, logger)
	}
	return o, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

func (o *Observability) LogValue() slog.Value {
	if o == nil {
		return slog.StringValue("disabled")
	}
	return slog.GroupValue(
		slog.Bool("metrics", o.Metrics != nil),
		slog.Bool("tracing", o.Tracer != nil),
		slog.Bool("anomaly", o.Anomaly != nil),
	)
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
