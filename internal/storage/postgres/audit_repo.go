package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/gatekeep/internal/security"
)

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Recent returns audit events newest first. If caller is non-empty,
// filters to that caller. Limit defaults to 100.
func (r *AuditRepository) Recent(ctx context.Context, caller string, limit int) ([]security.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if caller != "" {
		q = q.Where("caller = ?", caller)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

func toAuditModel(e security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:             uuid.New(),
		CorrelationID:  e.CorrelationID,
		Caller:         e.Caller,
		Action:         e.Action,
		Mechanism:      e.Mechanism,
		CredentialKind: e.CredentialKind,
		Result:         e.Result,
		Cleared:        e.Cleared,
		Error:          e.Error,
		CreatedAt:      e.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:      m.CreatedAt,
		CorrelationID:  m.CorrelationID,
		Caller:         m.Caller,
		Action:         m.Action,
		Mechanism:      m.Mechanism,
		CredentialKind: m.CredentialKind,
		Result:         m.Result,
		Cleared:        m.Cleared,
		Error:          m.Error,
	}
}
