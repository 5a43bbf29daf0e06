package visits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teamcare/intake/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "visits.service.new"
	opCreate     = "visits.create"
	opGet        = "visits.get"
	opList       = "visits.list"
	opValidate   = "visits.validate"
	opDelete     = "visits.delete"
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for the visit service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider records.IDProvider
	Logger     *zap.Logger
}

// Service manages the visit lifecycle: created once as draft, validated once,
// terminal thereafter.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider records.IDProvider
	logger     *zap.Logger
}

// NewService constructs the visit service.
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

// CreateRequest describes a new visit.
type CreateRequest struct {
	PlayerID         string
	Module           records.ModuleID
	VisitDateSeconds int64
	CreatorID        string
}

// Create stores a new draft visit for one player and module.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Visit, error) {
	playerID, err := validateIdentifier(req.PlayerID, ErrInvalidPlayerID)
	if err != nil {
		return Visit{}, newServiceError(opCreate, "invalid_player_id", err)
	}
	creatorID, err := validateIdentifier(req.CreatorID, ErrInvalidCreatorID)
	if err != nil {
		return Visit{}, newServiceError(opCreate, "invalid_creator_id", err)
	}
	module, err := records.ParseModuleID(string(req.Module))
	if err != nil {
		return Visit{}, newServiceError(opCreate, "invalid_module", err)
	}

	visitID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("player_id", playerID))
		return Visit{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	visitDate := req.VisitDateSeconds
	if visitDate <= 0 {
		visitDate = now
	}

	visit := Visit{
		ID:               visitID,
		PlayerID:         playerID,
		Module:           module,
		VisitDateSeconds: visitDate,
		Status:           StatusDraft,
		CreatorID:        creatorID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&visit).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("player_id", playerID),
			zap.String("module", module.String()))
		return Visit{}, newServiceError(opCreate, "insert_failed", err)
	}

	return visit, nil
}

// Get returns one visit by id.
func (s *Service) Get(ctx context.Context, visitID string) (Visit, error) {
	var visit Visit
	err := s.db.WithContext(ctx).Where("id = ?", visitID).Take(&visit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Visit{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("visit_id", visitID))
		return Visit{}, newServiceError(opGet, "query_failed", err)
	}
	return visit, nil
}

// List returns all visits, newest first. Module- and player-scoped filtering
// is the consumer's job.
func (s *Service) List(ctx context.Context) ([]Visit, error) {
	var all []Visit
	if err := s.db.WithContext(ctx).
		Order("visit_date_s DESC").
		Find(&all).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return all, nil
}

// Validate transitions a visit from draft to validated. Validated is terminal;
// validating an already-validated visit is a no-op.
func (s *Service) Validate(ctx context.Context, visitID string) (Visit, error) {
	visit, err := s.Get(ctx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if visit.Status == StatusValidated {
		return visit, nil
	}

	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&Visit{}).
		Where("id = ? AND status = ?", visitID, StatusDraft).
		Updates(map[string]interface{}{
			"status":       StatusValidated,
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opValidate, "update_failed", result.Error, zap.String("visit_id", visitID))
		return Visit{}, newServiceError(opValidate, "update_failed", result.Error)
	}

	visit.Status = StatusValidated
	visit.UpdatedAtSeconds = now
	return visit, nil
}

// Delete removes a visit. Deleting an absent visit reports ErrNotFound.
func (s *Service) Delete(ctx context.Context, visitID string) (Visit, error) {
	visit, err := s.Get(ctx, visitID)
	if err != nil {
		return Visit{}, err
	}

	result := s.db.WithContext(ctx).Where("id = ?", visitID).Delete(&Visit{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("visit_id", visitID))
		return Visit{}, newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Visit{}, ErrNotFound
	}
	return visit, nil
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
	s.logger.Error("visits service error", attrs...)
}
