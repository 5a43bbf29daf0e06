// Package workflow drives a guided intake session through an ordered list of
// module steps. The session's progress lives in an explicit, serializable
// Context value handed back to the caller at every step boundary; nothing is
// kept in transport-layer or ambient state.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teamcare/intake/internal/records"
	"go.uber.org/zap"
)

// State is the machine's position in the submit/advance cycle.
type State int

const (
	// StateIdle precedes InitSequence.
	StateIdle State = iota
	// StateAwaitingSubmit waits for form data at the current step.
	StateAwaitingSubmit
	// StateSubmitting covers an in-flight save.
	StateSubmitting
	// StateAdvancing is the transient hop to the next step.
	StateAdvancing
	// StateTerminal means the sequence is finished.
	StateTerminal
)

// VisitListingRoute is the terminal destination when no player is known.
const VisitListingRoute = "/visits"

// PlayerRoute returns the terminal destination for a known player.
func PlayerRoute(playerID string) string {
	return "/players/" + playerID
}

var (
	// ErrNotInitialized means no sequence has been installed yet.
	ErrNotInitialized = errors.New("workflow: sequence not initialized")
	// ErrInvalidState means the requested operation does not apply to the
	// machine's current state.
	ErrInvalidState = errors.New("workflow: operation invalid in current state")
	// ErrInvalidStep means a sequence step is missing its module or visit.
	ErrInvalidStep = errors.New("workflow: invalid sequence step")
	// ErrSequenceDone means the sequence already reached its terminal state.
	ErrSequenceDone = errors.New("workflow: sequence already terminal")
)

// Step is one entry of the module sequence. Distinct steps may reference
// distinct visits, so each step carries its own visit id.
type Step struct {
	ModuleID records.ModuleID `json:"moduleId"`
	Route    string           `json:"route"`
	VisitID  string           `json:"visitId"`
}

// Context is the navigation handoff payload passed between sequence steps.
// It must survive JSON round trips unchanged.
type Context struct {
	VisitID            string `json:"visitId"`
	PlayerID           string `json:"playerId"`
	ModuleSequence     []Step `json:"moduleSequence"`
	CurrentModuleIndex int    `json:"currentModuleIndex"`
}

// Encode serializes the context for a navigation handoff.
func (c Context) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeContext restores a handoff payload.
func DecodeContext(raw []byte) (Context, error) {
	var decoded Context
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Context{}, fmt.Errorf("workflow: malformed context: %w", err)
	}
	return decoded, nil
}

// Submitter persists one module form. The outcome discriminant is reported
// for messaging but never steers the machine.
type Submitter interface {
	SubmitRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (records.Outcome, error)
}

// Advance describes the transition produced by a submit or skip.
type Advance struct {
	// Terminal is true when the sequence finished; Route then holds the
	// terminal destination instead of the next step's route.
	Terminal bool
	Route    string
	// Context is the updated handoff payload for the next step.
	Context Context
	// Outcome reports the committed branch for user-facing messaging only.
	Outcome records.Outcome
}

// MachineConfig describes the machine's collaborators.
type MachineConfig struct {
	Submitter Submitter
	Logger    *zap.Logger
}

// Machine is the navigation state machine for one intake session.
type Machine struct {
	submitter Submitter
	logger    *zap.Logger

	state   State
	context Context
	direct  *Step
}

// NewMachine constructs an idle machine.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("workflow: submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		submitter: cfg.Submitter,
		logger:    logger,
		state:     StateIdle,
	}, nil
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// Context returns the current handoff payload.
func (m *Machine) Context() Context {
	return m.context
}

// InitSequence installs an ordered step list and arms the first step.
func (m *Machine) InitSequence(wctx Context) error {
	if len(wctx.ModuleSequence) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidStep)
	}
	for index, step := range wctx.ModuleSequence {
		if _, err := records.ParseModuleID(string(step.ModuleID)); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidStep, index, err)
		}
		if step.VisitID == "" {
			return fmt.Errorf("%w: step %d missing visit id", ErrInvalidStep, index)
		}
	}
	if wctx.CurrentModuleIndex < 0 || wctx.CurrentModuleIndex >= len(wctx.ModuleSequence) {
		wctx.CurrentModuleIndex = 0
	}

	m.context = wctx
	m.direct = nil
	m.state = StateAwaitingSubmit
	return nil
}

// InitDirect arms a single-module session with no sequence: the first
// successful submit short-circuits straight to the terminal destination.
func (m *Machine) InitDirect(module records.ModuleID, visitID, playerID string) error {
	if _, err := records.ParseModuleID(string(module)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	if visitID == "" {
		return fmt.Errorf("%w: missing visit id", ErrInvalidStep)
	}

	m.context = Context{VisitID: visitID, PlayerID: playerID}
	m.direct = &Step{ModuleID: module, VisitID: visitID}
	m.state = StateAwaitingSubmit
	return nil
}

// CurrentStep returns the step the machine is waiting on.
func (m *Machine) CurrentStep() (Step, error) {
	switch m.state {
	case StateIdle:
		return Step{}, ErrNotInitialized
	case StateTerminal:
		return Step{}, ErrSequenceDone
	}
	if m.direct != nil {
		return *m.direct, nil
	}
	return m.context.ModuleSequence[m.context.CurrentModuleIndex], nil
}

// SubmitCurrent persists the current step's form data through the upsert
// protocol and advances on success. On failure the machine stays at the
// current step and no partial advance is observable.
func (m *Machine) SubmitCurrent(ctx context.Context, fields json.RawMessage) (Advance, error) {
	step, err := m.CurrentStep()
	if err != nil {
		return Advance{}, err
	}
	if m.state != StateAwaitingSubmit {
		return Advance{}, ErrInvalidState
	}

	m.state = StateSubmitting
	outcome, err := m.submitter.SubmitRecord(ctx, step.ModuleID, step.VisitID, fields)
	if err != nil {
		m.state = StateAwaitingSubmit
		m.logger.Warn("step submit failed",
			zap.String("module", step.ModuleID.String()),
			zap.String("visit_id", step.VisitID),
			zap.Error(err))
		return Advance{}, err
	}

	advance := m.advance()
	advance.Outcome = outcome
	return advance, nil
}

// SkipCurrent advances without invoking the upsert protocol: the skipped
// step's record is left exactly as it was.
func (m *Machine) SkipCurrent() (Advance, error) {
	if _, err := m.CurrentStep(); err != nil {
		return Advance{}, err
	}
	if m.state != StateAwaitingSubmit {
		return Advance{}, ErrInvalidState
	}
	return m.advance(), nil
}

func (m *Machine) advance() Advance {
	lastIndex := len(m.context.ModuleSequence) - 1
	if m.direct != nil || m.context.CurrentModuleIndex >= lastIndex {
		m.state = StateTerminal
		return Advance{
			Terminal: true,
			Route:    m.terminalRoute(),
			Context:  m.context,
		}
	}

	m.state = StateAdvancing
	m.context.CurrentModuleIndex++
	next := m.context.ModuleSequence[m.context.CurrentModuleIndex]
	m.state = StateAwaitingSubmit
	return Advance{
		Route:   next.Route,
		Context: m.context,
	}
}

// terminalRoute resolves to the player's page when a player is known, else
// to the visit listing.
func (m *Machine) terminalRoute() string {
	if m.context.PlayerID != "" {
		return PlayerRoute(m.context.PlayerID)
	}
	return VisitListingRoute
}
