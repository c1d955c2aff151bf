package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Audit results.
const (
	AuditResultSuccess  = "success"
	AuditResultFailure  = "failure"
	AuditResultContinue = "continue"
	AuditResultNotDone  = "not_done"
	AuditResultError    = "error"
)

// AuditEvent is a single entry in the append-only audit log. It never
// carries secret material: credentials are described by kind and clear
// state only.
type AuditEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlation_id"`
	Caller         string    `json:"caller,omitempty"`
	Action         string    `json:"action"` // "authenticate", "validate"
	Mechanism      string    `json:"mechanism,omitempty"`
	CredentialKind string    `json:"credential_kind,omitempty"`
	Result         string    `json:"result"`
	Cleared        bool      `json:"cleared"`
	Error          string    `json:"error,omitempty"`
}

// AuditStore is an append-only store for audit events.
// No update or delete methods exist on the interface.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
}

// AuditAppender is the audit logging contract used by the container.
// Satisfied by *AuditLogger (JSONL file) and *StoreAuditLogger (database).
type AuditAppender interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditLogger writes audit events as append-only JSONL.
// Safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode
// with 0600 permissions.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{file: f, logger: logger}, nil
}

// LogAction serializes the event as one JSON line. Marshal happens outside
// the lock; only the write is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("caller", event.Caller),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// StoreAuditLogger adapts an AuditStore to AuditAppender.
type StoreAuditLogger struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditLogger creates a database-backed audit logger.
func NewStoreAuditLogger(store AuditStore, logger *slog.Logger) *StoreAuditLogger {
	return &StoreAuditLogger{store: store, logger: logger}
}

// LogAction appends an audit event to the store.
func (a *StoreAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}
	a.logger.DebugContext(ctx, "audit event logged (store)",
		slog.String("action", event.Action),
		slog.String("caller", event.Caller),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close is a no-op; the store's connection is owned by the storage layer.
func (a *StoreAuditLogger) Close() error { return nil }

// MultiAuditLogger fans an event out to several appenders and returns the
// first error.
type MultiAuditLogger []AuditAppender

func (m MultiAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	var first error
	for _, a := range m {
		if err := a.LogAction(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiAuditLogger) Close() error {
	var first error
	for _, a := range m {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func auditResult(status AuthenticationStatus) string {
	switch status {
	case Success:
		return AuditResultSuccess
	case SendContinue:
		return AuditResultContinue
	case NotDone:
		return AuditResultNotDone
	default:
		return AuditResultFailure
	}
}
