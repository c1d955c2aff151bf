package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/gatekeep/internal/identitystore"
)

// CallerRepository implements identitystore.CallerRepository with GORM.
type CallerRepository struct {
	db *gorm.DB
}

// NewCallerRepository creates a CallerRepository.
func NewCallerRepository(db *gorm.DB) *CallerRepository {
	return &CallerRepository{db: db}
}

// Create inserts a caller and its groups in one transaction.
func (r *CallerRepository) Create(ctx context.Context, rec *identitystore.CallerRecord) error {
	model := toCallerModel(rec)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&CallerModel{}).Where("name = ?", rec.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return identitystore.ErrCallerExists
		}
		return tx.Create(&model).Error
	})
	switch {
	case errors.Is(err, identitystore.ErrCallerExists), errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", identitystore.ErrCallerExists, rec.Name)
	case err != nil:
		return fmt.Errorf("creating caller %s: %w", rec.Name, err)
	}
	rec.CreatedAt = model.CreatedAt
	return nil
}

// GetByName retrieves a caller with its groups.
func (r *CallerRepository) GetByName(ctx context.Context, name string) (*identitystore.CallerRecord, error) {
	var model CallerModel
	err := r.db.WithContext(ctx).
		Preload("Groups").
		Where("name = ?", name).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", identitystore.ErrCallerNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting caller %s: %w", name, err)
	}
	return toCallerRecord(&model), nil
}

// Delete removes a caller and its groups.
func (r *CallerRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model CallerModel
		if err := tx.Where("name = ?", name).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", identitystore.ErrCallerNotFound, name)
			}
			return fmt.Errorf("deleting caller %s: %w", name, err)
		}
		if err := tx.Where("caller_id = ?", model.ID).Delete(&CallerGroupModel{}).Error; err != nil {
			return fmt.Errorf("deleting groups of %s: %w", name, err)
		}
		if err := tx.Delete(&model).Error; err != nil {
			return fmt.Errorf("deleting caller %s: %w", name, err)
		}
		return nil
	})
}

// List returns all callers ordered by name.
func (r *CallerRepository) List(ctx context.Context) ([]identitystore.CallerRecord, error) {
	var models []CallerModel
	if err := r.db.WithContext(ctx).
		Preload("Groups").
		Order("name ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing callers: %w", err)
	}
	out := make([]identitystore.CallerRecord, len(models))
	for i := range models {
		out[i] = *toCallerRecord(&models[i])
	}
	return out, nil
}

func toCallerModel(rec *identitystore.CallerRecord) CallerModel {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
		rec.ID = id
	}
	groups := make([]CallerGroupModel, len(rec.Groups))
	for i, g := range rec.Groups {
		groups[i] = CallerGroupModel{CallerID: id, Name: g}
	}
	return CallerModel{
		ID:           id,
		Name:         rec.Name,
		PasswordHash: rec.PasswordHash,
		Groups:       groups,
	}
}

func toCallerRecord(m *CallerModel) *identitystore.CallerRecord {
	groups := make([]string, len(m.Groups))
	for i, g := range m.Groups {
		groups[i] = g.Name
	}
	return &identitystore.CallerRecord{
		ID:           m.ID,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Groups:       groups,
		CreatedAt:    m.CreatedAt,
	}
}

var _ identitystore.CallerRepository = (*CallerRepository)(nil)
