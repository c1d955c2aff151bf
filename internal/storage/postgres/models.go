package postgres

import (
	"time"

	"github.com/google/uuid"
)

// CallerModel maps to the "callers" table.
type CallerModel struct {
	ID           uuid.UUID          `gorm:"type:uuid;primaryKey"`
	Name         string             `gorm:"not null;uniqueIndex"`
	PasswordHash []byte             `gorm:"not null"`
	Groups       []CallerGroupModel `gorm:"foreignKey:CallerID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CallerModel) TableName() string { return "callers" }

// CallerGroupModel maps to the "caller_groups" table.
type CallerGroupModel struct {
	CallerID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name     string    `gorm:"primaryKey"`
}

func (CallerGroupModel) TableName() string { return "caller_groups" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID  string    `gorm:"index"`
	Caller         string    `gorm:"index"`
	Action         string    `gorm:"not null"`
	Mechanism      string
	CredentialKind string
	Result         string `gorm:"not null"`
	Cleared        bool   `gorm:"not null;default:false"`
	Error          string
	CreatedAt      time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every model in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{
		&CallerModel{},
		&CallerGroupModel{},
		&AuditEventModel{},
	}
}
