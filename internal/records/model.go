package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ModuleID identifies one of the fixed record categories collected per visit.
type ModuleID string

const (
	// ModuleCardio is the cardiovascular examination module.
	ModuleCardio ModuleID = "cardio"
	// ModuleGPS is the GPS performance module.
	ModuleGPS ModuleID = "gps"
	// ModuleInjury is the injury report module.
	ModuleInjury ModuleID = "injury"
	// ModuleCare is the therapeutic care module.
	ModuleCare ModuleID = "care"
	// ModuleNutrition is the nutrition module.
	ModuleNutrition ModuleID = "nutrition"
	// ModuleImpedance is the bio-impedance module.
	ModuleImpedance ModuleID = "impedance"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownModule indicates a module identifier outside the fixed set.
	ErrUnknownModule = errors.New("records: unknown module")
	// ErrInvalidVisitID indicates that a visit identifier is empty or exceeds storage bounds.
	ErrInvalidVisitID = errors.New("records: invalid visit id")
	// ErrNotFound indicates that no record exists for the visit. Absence is an
	// expected outcome for a visit whose module form was never saved.
	ErrNotFound = errors.New("records: record not found")
)

// AllModules returns the fixed module set in intake order.
func AllModules() []ModuleID {
	return []ModuleID{ModuleCardio, ModuleGPS, ModuleInjury, ModuleCare, ModuleNutrition, ModuleImpedance}
}

// ParseModuleID validates raw input against the fixed module set.
func ParseModuleID(rawInput string) (ModuleID, error) {
	candidate := ModuleID(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, module := range AllModules() {
		if candidate == module {
			return module, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModule, rawInput)
}

// String returns the module identifier as used in routes and event names.
func (m ModuleID) String() string {
	return string(m)
}

// EntityType returns the realtime entity type for the module's records,
// e.g. "visitGps" for the gps module.
func (m ModuleID) EntityType() string {
	value := string(m)
	if value == "" {
		return ""
	}
	return "visit" + strings.ToUpper(value[:1]) + value[1:]
}

// NewVisitID validates a raw visit identifier.
func NewVisitID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVisitID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVisitID, maxIdentifierLength)
	}
	return trimmed, nil
}

// RecordRow is the shared table shape backing every module record. The unique
// index on visit_id is the authority behind the one-record-per-visit invariant;
// the upsert protocol leans on it instead of a fetch-then-branch probe.
type RecordRow struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	VisitID          string `gorm:"column:visit_id;size:190;not null;uniqueIndex"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// moduleTable binds a concrete module record type to its table.
type moduleTable interface {
	row() *RecordRow
	module() ModuleID
	TableName() string
}

// CardioRecord stores one cardiovascular exam per visit.
type CardioRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (CardioRecord) TableName() string { return "visit_cardio_records" }

func (r *CardioRecord) row() *RecordRow { return &r.RecordRow }
func (CardioRecord) module() ModuleID   { return ModuleCardio }

// GPSRecord stores one GPS performance summary per visit.
type GPSRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (GPSRecord) TableName() string { return "visit_gps_records" }

func (r *GPSRecord) row() *RecordRow { return &r.RecordRow }
func (GPSRecord) module() ModuleID   { return ModuleGPS }

// InjuryRecord stores one injury report per visit.
type InjuryRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (InjuryRecord) TableName() string { return "visit_injury_records" }

func (r *InjuryRecord) row() *RecordRow { return &r.RecordRow }
func (InjuryRecord) module() ModuleID   { return ModuleInjury }

// CareRecord stores one therapeutic care entry per visit.
type CareRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (CareRecord) TableName() string { return "visit_care_records" }

func (r *CareRecord) row() *RecordRow { return &r.RecordRow }
func (CareRecord) module() ModuleID   { return ModuleCare }

// NutritionRecord stores one nutrition entry per visit.
type NutritionRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (NutritionRecord) TableName() string { return "visit_nutrition_records" }

func (r *NutritionRecord) row() *RecordRow { return &r.RecordRow }
func (NutritionRecord) module() ModuleID   { return ModuleNutrition }

// ImpedanceRecord stores one bio-impedance measurement per visit.
type ImpedanceRecord struct{ RecordRow }

// TableName provides the explicit table binding for GORM.
func (ImpedanceRecord) TableName() string { return "visit_impedance_records" }

func (r *ImpedanceRecord) row() *RecordRow { return &r.RecordRow }
func (ImpedanceRecord) module() ModuleID   { return ModuleImpedance }

func newModuleTable(module ModuleID) (moduleTable, error) {
	switch module {
	case ModuleCardio:
		return &CardioRecord{}, nil
	case ModuleGPS:
		return &GPSRecord{}, nil
	case ModuleInjury:
		return &InjuryRecord{}, nil
	case ModuleCare:
		return &CareRecord{}, nil
	case ModuleNutrition:
		return &NutritionRecord{}, nil
	case ModuleImpedance:
		return &ImpedanceRecord{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
}

// Models returns every module record model for schema migration.
func Models() []interface{} {
	return []interface{}{
		&CardioRecord{},
		&GPSRecord{},
		&InjuryRecord{},
		&CareRecord{},
		&NutritionRecord{},
		&ImpedanceRecord{},
	}
}

// Record is the module-agnostic view of a stored module record. Fields holds
// the canonical JSON payload exactly as persisted, so serving it back yields
// byte-identical form state.
type Record struct {
	ID               string          `json:"id"`
	VisitID          string          `json:"visit_id"`
	Module           ModuleID        `json:"module"`
	Fields           json.RawMessage `json:"fields"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func snapshotOf(table moduleTable) Record {
	row := table.row()
	return Record{
		ID:               row.ID,
		VisitID:          row.VisitID,
		Module:           table.module(),
		Fields:           json.RawMessage(row.FieldsJSON),
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}
}
