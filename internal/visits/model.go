package visits

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teamcare/intake/internal/records"
)

// Status tracks the visit lifecycle. Validated is terminal: no further module
// record creation or local draft recovery happens against a validated visit.
type Status string

const (
	// StatusDraft marks a visit still collecting module data.
	StatusDraft Status = "draft"
	// StatusValidated marks a finalized visit.
	StatusValidated Status = "validated"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPlayerID indicates an empty or oversized player identifier.
	ErrInvalidPlayerID = errors.New("visits: invalid player id")
	// ErrInvalidCreatorID indicates an empty or oversized creator identifier.
	ErrInvalidCreatorID = errors.New("visits: invalid creator id")
	// ErrNotFound indicates the visit does not exist.
	ErrNotFound = errors.New("visits: visit not found")
)

// Visit anchors every module record: one row per (player, module, encounter).
type Visit struct {
	ID               string           `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	PlayerID         string           `gorm:"column:player_id;size:190;not null;index" json:"player_id"`
	Module           records.ModuleID `gorm:"column:module;size:32;not null" json:"module"`
	VisitDateSeconds int64            `gorm:"column:visit_date_s;not null" json:"visit_date_s"`
	Status           Status           `gorm:"column:status;size:32;not null;default:draft" json:"status"`
	CreatorID        string           `gorm:"column:creator_id;size:190;not null" json:"creator_id"`
	CreatedAtSeconds int64            `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64            `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Visit) TableName() string {
	return "visits"
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}
