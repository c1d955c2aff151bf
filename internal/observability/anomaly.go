package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/gatekeep/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minErrorRateSamples  = 5
	maxTrackedCallers    = 10000
)

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows: error rates per operation and failed logins per caller.
// Detections are logged at Warn; nothing is blocked.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	failedLogins  map[string]*slidingWindow
	// alerted suppresses repeated failed-login warnings for a caller until
	// its window drains below the threshold.
	alerted map[string]bool
	onAlert func(Alert)
	cfg     config.AnomalyConfig
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// AlertFailedLogins is the Alert kind for a caller over the failed-login
// threshold.
const AlertFailedLogins = "failed_logins"

// Alert describes a detected anomaly.
type Alert struct {
	Kind      string
	Subject   string // Caller or operation.
	Value     float64
	Threshold float64
	Window    time.Duration
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		failedLogins:  make(map[string]*slidingWindow),
		alerted:       make(map[string]bool),
		window:        defaultAnomalyWindow,
		logger:        logger,
		now:           time.Now,
	}
	if cfg != nil {
		a.cfg = *cfg
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
	}
	return a
}

// OnAlert registers fn to run when a caller crosses the failed-login
// threshold. fn runs on the recording goroutine and should not block.
func (a *AnomalyDetector) OnAlert(fn func(Alert)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAlert = fn
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// RecordFailedLogin records a rejected credential for caller and reports
// whether the caller is now over the failed-login threshold. The alert
// handler runs once per threshold crossing, outside the detector's lock.
func (a *AnomalyDetector) RecordFailedLogin(caller string) bool {
	if a == nil || caller == "" {
		return false
	}
	a.mu.Lock()

	if _, ok := a.failedLogins[caller]; !ok && len(a.failedLogins) >= maxTrackedCallers {
		a.pruneFailedLogins()
	}
	w := a.getOrCreateWindow(a.failedLogins, caller)
	w.add(a.now(), 1)

	threshold := a.cfg.FailedLoginThreshold
	if threshold <= 0 {
		a.mu.Unlock()
		return false
	}
	failures := w.sum(a.now())
	if failures < float64(threshold) {
		a.alerted[caller] = false
		a.mu.Unlock()
		return false
	}
	crossed := !a.alerted[caller]
	a.alerted[caller] = true
	handler := a.onAlert
	a.mu.Unlock()

	if crossed {
		alert := Alert{
			Kind:      AlertFailedLogins,
			Subject:   caller,
			Value:     failures,
			Threshold: float64(threshold),
			Window:    a.window,
		}
		if a.logger != nil {
			a.logger.Warn("anomaly detected: repeated failed logins",
				slog.String("caller", caller),
				slog.Float64("failures", failures),
				slog.Int("threshold", threshold),
				slog.Duration("window", a.window),
			)
		}
		if handler != nil {
			handler(alert)
		}
	}
	return true
}

// FailedLogins returns the number of failed logins recorded for caller
// within the current window.
func (a *AnomalyDetector) FailedLogins(caller string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.failedLogins[caller]
	if !ok {
		return 0
	}
	return int(w.sum(a.now()))
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + successes

	if total < minErrorRateSamples {
		return // Not enough data.
	}

	rate := errs / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}

// pruneFailedLogins drops callers whose window has drained.
// Must be called with a.mu held.
func (a *AnomalyDetector) pruneFailedLogins() {
	now := a.now()
	for caller, w := range a.failedLogins {
		if w.sum(now) == 0 {
			delete(a.failedLogins, caller)
			delete(a.alerted, caller)
		}
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
