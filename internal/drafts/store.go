// Package drafts buffers in-progress module form edits on the staff side,
// keyed by (module, visit) or by an ephemeral session key before the visit
// exists. Buffers live in a local sqlite file so they survive reloads until
// the first confirmed server write.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/teamcare/intake/internal/records"
	"github.com/teamcare/intake/internal/visits"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("drafts: database handle is required")

// DraftBuffer is one buffered form, local-only until the server confirms the
// corresponding module record.
type DraftBuffer struct {
	Module           string `gorm:"column:module;primaryKey;size:32;not null"`
	OwnerKey         string `gorm:"column:owner_key;primaryKey;size:190;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DraftBuffer) TableName() string {
	return "draft_buffers"
}

// StoreConfig describes the local draft store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes draft buffers.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the store and ensures its schema.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if err := cfg.Database.AutoMigrate(&DraftBuffer{}); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save buffers the current form fields. Called on edit; the first call
// creates the buffer.
func (s *Store) Save(ctx context.Context, module records.ModuleID, ownerKey string, fields json.RawMessage) error {
	if ownerKey == "" {
		return errors.New("drafts: owner key is required")
	}
	buffer := DraftBuffer{
		Module:           module.String(),
		OwnerKey:         ownerKey,
		FieldsJSON:       string(fields),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&buffer).Error
}

// Recover returns the buffered fields for a module form, if any. A draft is
// never resurrected once the visit is validated: validated is a hard terminal
// boundary regardless of what is still sitting in the buffer.
func (s *Store) Recover(ctx context.Context, module records.ModuleID, ownerKey string, status visits.Status) (json.RawMessage, bool, error) {
	if status == visits.StatusValidated {
		return nil, false, nil
	}

	var buffer DraftBuffer
	err := s.db.WithContext(ctx).
		Where("module = ? AND owner_key = ?", module.String(), ownerKey).
		Take(&buffer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(buffer.FieldsJSON), true, nil
}

// Adopt re-keys a pre-visit draft to the freshly created visit, making it the
// module form's initial state. A no-op when no pre-visit draft exists.
func (s *Store) Adopt(ctx context.Context, module records.ModuleID, sessionKey, visitID string) error {
	if sessionKey == "" || visitID == "" {
		return errors.New("drafts: session key and visit id are required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var buffer DraftBuffer
		err := tx.
			Where("module = ? AND owner_key = ?", module.String(), sessionKey).
			Take(&buffer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		adopted := DraftBuffer{
			Module:           buffer.Module,
			OwnerKey:         visitID,
			FieldsJSON:       buffer.FieldsJSON,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&adopted).Error; err != nil {
			return err
		}
		return tx.
			Where("module = ? AND owner_key = ?", module.String(), sessionKey).
			Delete(&DraftBuffer{}).Error
	})
}

// Discard drops the buffer once the corresponding module record is confirmed
// persisted server-side.
func (s *Store) Discard(ctx context.Context, module records.ModuleID, ownerKey string) error {
	return s.db.WithContext(ctx).
		Where("module = ? AND owner_key = ?", module.String(), ownerKey).
		Delete(&DraftBuffer{}).Error
}
