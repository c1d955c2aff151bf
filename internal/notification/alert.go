package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jkaninda/gatekeep/internal/observability"
)

// AlertMessage renders an anomaly alert. The message names the caller but
// never carries credential material.
func AlertMessage(a observability.Alert) *Message {
	return &Message{
		Subject: fmt.Sprintf("gatekeep: %s for %s", a.Kind, a.Subject),
		Body: fmt.Sprintf("%s reached %.0f failed logins within %s (threshold %.0f).",
			a.Subject, a.Value, a.Window, a.Threshold),
		Metadata: map[string]string{
			"kind":      a.Kind,
			"subject":   a.Subject,
			"value":     strconv.FormatFloat(a.Value, 'f', -1, 64),
			"threshold": strconv.FormatFloat(a.Threshold, 'f', -1, 64),
			"window":    a.Window.String(),
		},
	}
}

// AlertHandler returns a handler for observability.AnomalyDetector.OnAlert
// that delivers each alert in the background with the given timeout.
func (d *Dispatcher) AlertHandler(timeout time.Duration) func(observability.Alert) {
	return func(a observability.Alert) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := d.Notify(ctx, AlertMessage(a)); err != nil {
				d.logger.Warn("alert delivery incomplete",
					slog.String("kind", a.Kind),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}
