package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "records.service.new"
	opUpsert     = "records.upsert"
	opFetch      = "records.fetch_by_visit"
	opDelete     = "records.delete"

	// maxUpsertAttempts bounds the internal create/update retry loop. Each
	// attempt either commits or observes the row appear/disappear underneath
	// it; two full cycles cover every interleaving the store can produce.
	maxUpsertAttempts = 3
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Outcome reports which branch of the upsert protocol committed. It exists
// for user-facing messaging only and must never steer workflow control flow.
type Outcome string

const (
	// OutcomeCreated means the conditional insert won.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means an existing row was replaced.
	OutcomeUpdated Outcome = "updated"
)

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the record store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the per-module record store plus the idempotent upsert protocol
// guarding the one-record-per-visit invariant.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the record store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Upsert stores exactly one record for (module, visit) regardless of how many
// callers race on the same pair. The insert is conditional on the visit_id
// unique index rather than a fetch-then-branch probe: losing a creation race
// downgrades transparently to an update, and an update that finds the row
// deleted retries transparently as a create. Callers only ever see success or
// a real failure, plus the branch that committed.
func (s *Service) Upsert(ctx context.Context, module ModuleID, visitID string, fields json.RawMessage) (Record, Outcome, error) {
	visitID, err := NewVisitID(visitID)
	if err != nil {
		return Record{}, "", newServiceError(opUpsert, "invalid_visit_id", err)
	}

	normalized, err := NormalizeFields(fields)
	if err != nil {
		return Record{}, "", newServiceError(opUpsert, "invalid_fields", err)
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		table, err := newModuleTable(module)
		if err != nil {
			return Record{}, "", newServiceError(opUpsert, "unknown_module", err)
		}

		recordID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opUpsert, "id_generation_failed", err, zap.String("visit_id", visitID))
			return Record{}, "", newServiceError(opUpsert, "id_generation_failed", err)
		}

		now := s.clock().UTC().Unix()
		row := table.row()
		row.ID = recordID
		row.VisitID = visitID
		row.FieldsJSON = normalized
		row.CreatedAtSeconds = now
		row.UpdatedAtSeconds = now

		insert := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "visit_id"}},
				DoNothing: true,
			}).
			Create(table)
		if insert.Error != nil {
			s.logError(opUpsert, "insert_failed", insert.Error,
				zap.String("module", module.String()),
				zap.String("visit_id", visitID))
			return Record{}, "", newServiceError(opUpsert, "insert_failed", insert.Error)
		}
		if insert.RowsAffected == 1 {
			return snapshotOf(table), OutcomeCreated, nil
		}

		// A row already exists: the creation race was lost, so replace the
		// payload in place.
		updated, err := s.updateExisting(ctx, module, visitID, normalized)
		if err != nil {
			return Record{}, "", err
		}
		if updated {
			record, err := s.FetchByVisit(ctx, module, visitID)
			if err != nil {
				// The row vanished between the update and the read-back.
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return Record{}, "", err
			}
			return record, OutcomeUpdated, nil
		}
		// The row was deleted between the insert and the update; loop and
		// retry as a create.
	}

	err = fmt.Errorf("upsert did not settle after %d attempts", maxUpsertAttempts)
	s.logError(opUpsert, "retry_exhausted", err,
		zap.String("module", module.String()),
		zap.String("visit_id", visitID))
	return Record{}, "", newServiceError(opUpsert, "retry_exhausted", err)
}

func (s *Service) updateExisting(ctx context.Context, module ModuleID, visitID, normalized string) (bool, error) {
	table, err := newModuleTable(module)
	if err != nil {
		return false, newServiceError(opUpsert, "unknown_module", err)
	}

	update := s.db.WithContext(ctx).
		Model(table).
		Where("visit_id = ?", visitID).
		Updates(map[string]interface{}{
			"fields_json":  normalized,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if update.Error != nil {
		s.logError(opUpsert, "update_failed", update.Error,
			zap.String("module", module.String()),
			zap.String("visit_id", visitID))
		return false, newServiceError(opUpsert, "update_failed", update.Error)
	}
	return update.RowsAffected > 0, nil
}

// FetchByVisit returns the module record for a visit. Absence is reported as
// ErrNotFound and logged at debug only: a form that was never saved is the
// normal starting point, not a failure.
func (s *Service) FetchByVisit(ctx context.Context, module ModuleID, visitID string) (Record, error) {
	visitID, err := NewVisitID(visitID)
	if err != nil {
		return Record{}, newServiceError(opFetch, "invalid_visit_id", err)
	}

	table, err := newModuleTable(module)
	if err != nil {
		return Record{}, newServiceError(opFetch, "unknown_module", err)
	}

	err = s.db.WithContext(ctx).
		Where("visit_id = ?", visitID).
		Take(table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Debug("module record absent",
			zap.String("module", module.String()),
			zap.String("visit_id", visitID))
		return Record{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFetch, "query_failed", err,
			zap.String("module", module.String()),
			zap.String("visit_id", visitID))
		return Record{}, newServiceError(opFetch, "query_failed", err)
	}

	return snapshotOf(table), nil
}

// Delete removes the module record for a visit. Deleting an absent record
// reports ErrNotFound.
func (s *Service) Delete(ctx context.Context, module ModuleID, visitID string) (Record, error) {
	record, err := s.FetchByVisit(ctx, module, visitID)
	if err != nil {
		return Record{}, err
	}

	table, err := newModuleTable(module)
	if err != nil {
		return Record{}, newServiceError(opDelete, "unknown_module", err)
	}

	result := s.db.WithContext(ctx).
		Where("visit_id = ?", visitID).
		Delete(table)
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error,
			zap.String("module", module.String()),
			zap.String("visit_id", visitID))
		return Record{}, newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, ErrNotFound
	}

	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
