package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/teamcare/intake/internal/records"
)

type submitCall struct {
	module  records.ModuleID
	visitID string
}

type fakeSubmitter struct {
	calls   []submitCall
	outcome records.Outcome
	err     error
}

func (f *fakeSubmitter) SubmitRecord(_ context.Context, module records.ModuleID, visitID string, _ json.RawMessage) (records.Outcome, error) {
	f.calls = append(f.calls, submitCall{module: module, visitID: visitID})
	if f.err != nil {
		return "", f.err
	}
	outcome := f.outcome
	if outcome == "" {
		outcome = records.OutcomeCreated
	}
	return outcome, nil
}

func newTestMachine(t *testing.T, submitter Submitter) *Machine {
	t.Helper()
	machine, err := NewMachine(MachineConfig{Submitter: submitter})
	if err != nil {
		t.Fatalf("failed to build machine: %v", err)
	}
	return machine
}

func threeStepContext() Context {
	return Context{
		PlayerID: "player-1",
		ModuleSequence: []Step{
			{ModuleID: records.ModuleCardio, Route: "/intake/cardio", VisitID: "visit-a"},
			{ModuleID: records.ModuleGPS, Route: "/intake/gps", VisitID: "visit-b"},
			{ModuleID: records.ModuleInjury, Route: "/intake/injury", VisitID: "visit-c"},
		},
	}
}

func TestSubmitCurrentAdvancesToNextStep(t *testing.T) {
	submitter := &fakeSubmitter{}
	machine := newTestMachine(t, submitter)
	if err := machine.InitSequence(threeStepContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SubmitCurrent(context.Background(), json.RawMessage(`{"hr_rest":60}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if advance.Terminal {
		t.Fatal("did not expect terminal transition at index 0")
	}
	if advance.Route != "/intake/gps" {
		t.Fatalf("expected next step's route, got %s", advance.Route)
	}
	if advance.Context.CurrentModuleIndex != 1 {
		t.Fatalf("expected index 1, got %d", advance.Context.CurrentModuleIndex)
	}
	if len(submitter.calls) != 1 || submitter.calls[0].visitID != "visit-a" {
		t.Fatalf("expected one submit against visit-a, got %+v", submitter.calls)
	}
	if machine.State() != StateAwaitingSubmit {
		t.Fatalf("expected machine armed for the next step, got state %d", machine.State())
	}
}

func TestSubmitCurrentUsesEachStepsOwnVisit(t *testing.T) {
	submitter := &fakeSubmitter{}
	machine := newTestMachine(t, submitter)
	if err := machine.InitSequence(threeStepContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	for range threeStepContext().ModuleSequence {
		if _, err := machine.SubmitCurrent(context.Background(), nil); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	expected := []submitCall{
		{module: records.ModuleCardio, visitID: "visit-a"},
		{module: records.ModuleGPS, visitID: "visit-b"},
		{module: records.ModuleInjury, visitID: "visit-c"},
	}
	if !reflect.DeepEqual(submitter.calls, expected) {
		t.Fatalf("unexpected submit calls: %+v", submitter.calls)
	}
}

func TestTerminalResolvesToPlayerPage(t *testing.T) {
	machine := newTestMachine(t, &fakeSubmitter{})
	wctx := threeStepContext()
	wctx.CurrentModuleIndex = 2
	if err := machine.InitSequence(wctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SubmitCurrent(context.Background(), nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !advance.Terminal {
		t.Fatal("expected terminal transition at the last step")
	}
	if advance.Route != "/players/player-1" {
		t.Fatalf("expected player page, got %s", advance.Route)
	}
	if machine.State() != StateTerminal {
		t.Fatalf("expected terminal state, got %d", machine.State())
	}
}

func TestTerminalFallsBackToVisitListing(t *testing.T) {
	machine := newTestMachine(t, &fakeSubmitter{})
	wctx := threeStepContext()
	wctx.PlayerID = ""
	wctx.CurrentModuleIndex = 2
	if err := machine.InitSequence(wctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SubmitCurrent(context.Background(), nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if advance.Route != VisitListingRoute {
		t.Fatalf("expected visit listing, got %s", advance.Route)
	}
}

func TestSubmitFailureLeavesStateUnchanged(t *testing.T) {
	failure := errors.New("validation rejected")
	submitter := &fakeSubmitter{err: failure}
	machine := newTestMachine(t, submitter)
	if err := machine.InitSequence(threeStepContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	_, err := machine.SubmitCurrent(context.Background(), nil)
	if !errors.Is(err, failure) {
		t.Fatalf("expected submit error to surface, got %v", err)
	}
	if machine.State() != StateAwaitingSubmit {
		t.Fatalf("expected machine to stay at the current step, got state %d", machine.State())
	}
	if machine.Context().CurrentModuleIndex != 0 {
		t.Fatalf("expected no partial advance, index is %d", machine.Context().CurrentModuleIndex)
	}

	// The step can be re-submitted once the cause is fixed.
	submitter.err = nil
	advance, err := machine.SubmitCurrent(context.Background(), nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if advance.Context.CurrentModuleIndex != 1 {
		t.Fatalf("expected advance after retry, index is %d", advance.Context.CurrentModuleIndex)
	}
}

func TestSkipCurrentDoesNotSubmit(t *testing.T) {
	submitter := &fakeSubmitter{}
	machine := newTestMachine(t, submitter)
	if err := machine.InitSequence(threeStepContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SkipCurrent()
	if err != nil {
		t.Fatalf("skip failed: %v", err)
	}
	if len(submitter.calls) != 0 {
		t.Fatalf("skip must not invoke the upsert protocol, saw %+v", submitter.calls)
	}
	if advance.Route != "/intake/gps" {
		t.Fatalf("expected next route after skip, got %s", advance.Route)
	}
}

func TestSkipAtLastStepIsTerminal(t *testing.T) {
	machine := newTestMachine(t, &fakeSubmitter{})
	wctx := threeStepContext()
	wctx.CurrentModuleIndex = 2
	if err := machine.InitSequence(wctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SkipCurrent()
	if err != nil {
		t.Fatalf("skip failed: %v", err)
	}
	if !advance.Terminal {
		t.Fatal("expected terminal transition")
	}
}

func TestDirectEntryShortCircuitsToTerminal(t *testing.T) {
	submitter := &fakeSubmitter{}
	machine := newTestMachine(t, submitter)
	if err := machine.InitDirect(records.ModuleGPS, "visit-solo", "player-5"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	advance, err := machine.SubmitCurrent(context.Background(), json.RawMessage(`{"distance_m":7000}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !advance.Terminal {
		t.Fatal("expected direct entry to terminate after one submit")
	}
	if advance.Route != "/players/player-5" {
		t.Fatalf("expected player page, got %s", advance.Route)
	}
	if len(submitter.calls) != 1 || submitter.calls[0].visitID != "visit-solo" {
		t.Fatalf("unexpected submit calls: %+v", submitter.calls)
	}

	if _, err := machine.SubmitCurrent(context.Background(), nil); !errors.Is(err, ErrSequenceDone) {
		t.Fatalf("expected ErrSequenceDone after terminal, got %v", err)
	}
}

func TestInitSequenceRejectsInvalidSteps(t *testing.T) {
	machine := newTestMachine(t, &fakeSubmitter{})

	err := machine.InitSequence(Context{ModuleSequence: []Step{{ModuleID: "mri", VisitID: "v1"}}})
	if !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep for unknown module, got %v", err)
	}

	err = machine.InitSequence(Context{ModuleSequence: []Step{{ModuleID: records.ModuleGPS}}})
	if !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep for missing visit, got %v", err)
	}
}

func TestContextRoundTripsThroughJSON(t *testing.T) {
	original := threeStepContext()
	original.CurrentModuleIndex = 1
	original.VisitID = "visit-b"

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeContext(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("context did not survive round trip:\noriginal: %+v\ndecoded:  %+v", original, decoded)
	}
}

func TestOutcomeDoesNotChangeControlFlow(t *testing.T) {
	for _, outcome := range []records.Outcome{records.OutcomeCreated, records.OutcomeUpdated} {
		machine := newTestMachine(t, &fakeSubmitter{outcome: outcome})
		if err := machine.InitSequence(threeStepContext()); err != nil {
			t.Fatalf("init failed: %v", err)
		}

		advance, err := machine.SubmitCurrent(context.Background(), nil)
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if advance.Outcome != outcome {
			t.Fatalf("expected outcome %s passed through, got %s", outcome, advance.Outcome)
		}
		if advance.Route != "/intake/gps" || advance.Context.CurrentModuleIndex != 1 {
			t.Fatalf("outcome %s changed control flow: %+v", outcome, advance)
		}
	}
}
