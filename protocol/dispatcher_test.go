package protocol_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/protocol"
)

type fakeExecutor struct {
	changes []protocol.FileChange
	err     error
	calls   int
}

func (f *fakeExecutor) Apply(_ context.Context, actions []protocol.FileAction) ([]protocol.FileChange, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.changes != nil {
		return f.changes, nil
	}
	out := make([]protocol.FileChange, len(actions))
	for i, a := range actions {
		out[i] = protocol.FileChange{Type: a.Type, Path: a.Path}
	}
	return out, nil
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newRuntime(fileActions int, visualActions int) protocol.Runtime {
	rt := protocol.Runtime{Phase: protocol.PhaseAccepted}
	for i := 0; i < fileActions; i++ {
		rt.FileActions = append(rt.FileActions, protocol.FileAction{
			Type: "update", Path: "Assets/Scripts/Gen.cs",
		})
	}
	for i := 0; i < visualActions; i++ {
		rt.VisualActions = append(rt.VisualActions, protocol.VisualAction{
			ActionType:       "set_transform",
			TargetObjectPath: "/Root/Cube",
		})
	}
	return rt
}

func successResult(rt protocol.Runtime) protocol.ActionResult {
	action, _ := rt.PendingAction()
	return protocol.ActionResult{
		ActionType:       action.ActionType,
		TargetObjectPath: action.TargetObjectPath,
		Success:          true,
	}
}

func TestStartWithFileActions(t *testing.T) {
	exec := &fakeExecutor{}
	d := protocol.NewDispatcher(exec, protocol.WithClock(fixedClock(1000)))

	rt, tr := d.Start(context.Background(), newRuntime(2, 1), "req-1")

	if tr.Kind != protocol.TransitionWaitingCompile {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionWaitingCompile)
	}
	if rt.Phase != protocol.PhaseCompilePending {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseCompilePending)
	}
	if !rt.FileActionsApplied {
		t.Error("FileActionsApplied should be set")
	}
	if len(rt.FilesChanged) != 2 {
		t.Errorf("FilesChanged = %d entries, want 2", len(rt.FilesChanged))
	}
	if tr.CompileRequest == nil || tr.CompileRequest.RequestID != "req-1" {
		t.Errorf("CompileRequest = %+v, want request id req-1", tr.CompileRequest)
	}
	if exec.calls != 1 {
		t.Errorf("executor calls = %d, want 1", exec.calls)
	}
}

func TestStartFileActionsFail(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("disk full")}
	d := protocol.NewDispatcher(exec)

	rt, tr := d.Start(context.Background(), newRuntime(1, 1), "req-1")

	if tr.Kind != protocol.TransitionFailed {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionFailed)
	}
	if tr.FailureCode != unitybridge.CodeFileWriteFailed {
		t.Errorf("FailureCode = %q, want %q", tr.FailureCode, unitybridge.CodeFileWriteFailed)
	}
	if tr.Stage != "file_actions_failed" {
		t.Errorf("Stage = %q, want file_actions_failed", tr.Stage)
	}
	if rt.Phase != protocol.PhaseFailed {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseFailed)
	}
}

func TestStartWithoutExecutor(t *testing.T) {
	d := protocol.NewDispatcher(nil)

	_, tr := d.Start(context.Background(), newRuntime(1, 0), "req-1")

	if tr.Kind != protocol.TransitionFailed {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionFailed)
	}
	if tr.FailureCode != unitybridge.CodeInternal {
		t.Errorf("FailureCode = %q, want %q", tr.FailureCode, unitybridge.CodeInternal)
	}
}

func TestStartNoFileActionsGoesStraightToAction(t *testing.T) {
	d := protocol.NewDispatcher(nil)

	rt, tr := d.Start(context.Background(), newRuntime(0, 2), "req-1")

	if tr.Kind != protocol.TransitionWaitingAction {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionWaitingAction)
	}
	if rt.Phase != protocol.PhaseActionPending {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseActionPending)
	}
	if tr.ActionRequest == nil || tr.ActionRequest.Index != 0 {
		t.Errorf("ActionRequest = %+v, want index 0", tr.ActionRequest)
	}
}

func TestStartEmptyJobCompletes(t *testing.T) {
	d := protocol.NewDispatcher(nil)

	rt, tr := d.Start(context.Background(), newRuntime(0, 0), "req-1")

	if tr.Kind != protocol.TransitionCompleted {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionCompleted)
	}
	if rt.Phase != protocol.PhaseCompleted {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseCompleted)
	}
}

func TestStartInvalidPhase(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	_, tr := d.Start(context.Background(), rt, "req-1")

	if tr.Kind != protocol.TransitionInvalid {
		t.Errorf("Kind = %q, want %q", tr.Kind, protocol.TransitionInvalid)
	}
}

// TestFullProtocolMonotonicity drives a job with three visual actions
// through the whole happy path and checks the phase sequence and the
// cursor increments.
func TestFullProtocolMonotonicity(t *testing.T) {
	exec := &fakeExecutor{}
	d := protocol.NewDispatcher(exec, protocol.WithClock(fixedClock(1000)))
	const actions = 3

	rt, tr := d.Start(context.Background(), newRuntime(1, actions), "req-1")
	if rt.Phase != protocol.PhaseCompilePending {
		t.Fatalf("after start: Phase = %q, want %q", rt.Phase, protocol.PhaseCompilePending)
	}

	rt, tr = d.HandleCompileResult(rt, "req-1", protocol.CompileResult{Success: true, DurationMS: 1200})
	if tr.Kind != protocol.TransitionWaitingAction {
		t.Fatalf("after compile: Kind = %q, want %q", tr.Kind, protocol.TransitionWaitingAction)
	}

	for i := 0; i < actions; i++ {
		if rt.Phase != protocol.PhaseActionPending {
			t.Fatalf("action %d: Phase = %q, want %q", i, rt.Phase, protocol.PhaseActionPending)
		}
		if rt.NextVisualIndex != i {
			t.Fatalf("action %d: NextVisualIndex = %d, want %d", i, rt.NextVisualIndex, i)
		}
		rt, tr = d.HandleActionResult(rt, "req-1", successResult(rt))
	}

	if tr.Kind != protocol.TransitionCompleted {
		t.Fatalf("final Kind = %q, want %q", tr.Kind, protocol.TransitionCompleted)
	}
	if rt.Phase != protocol.PhaseCompleted {
		t.Errorf("final Phase = %q, want %q", rt.Phase, protocol.PhaseCompleted)
	}
	if rt.NextVisualIndex != actions {
		t.Errorf("final NextVisualIndex = %d, want %d", rt.NextVisualIndex, actions)
	}
}

func TestCompileFailure(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseCompilePending

	rt, tr := d.HandleCompileResult(rt, "req-1", protocol.CompileResult{
		Success: false,
		Errors: []protocol.CompileError{
			{Code: "CS0001", Message: "unexpected token"},
			{Code: "CS0002", Message: "missing brace"},
		},
	})

	if tr.Kind != protocol.TransitionFailed {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionFailed)
	}
	if tr.FailureCode != unitybridge.CodeCompileFailed {
		t.Errorf("FailureCode = %q, want %q", tr.FailureCode, unitybridge.CodeCompileFailed)
	}
	if !strings.HasPrefix(tr.FailureMessage, "CS0001: unexpected token") {
		t.Errorf("FailureMessage = %q, want first diagnostic summary", tr.FailureMessage)
	}
	if !strings.Contains(tr.FailureMessage, "+1 more") {
		t.Errorf("FailureMessage = %q, want remaining-count marker", tr.FailureMessage)
	}
	if rt.CompileSuccess == nil || *rt.CompileSuccess {
		t.Error("CompileSuccess should be recorded false")
	}
}

func TestCompileResultInvalidPhase(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	_, tr := d.HandleCompileResult(rt, "req-1", protocol.CompileResult{Success: true})

	if tr.Kind != protocol.TransitionInvalid {
		t.Errorf("Kind = %q, want %q", tr.Kind, protocol.TransitionInvalid)
	}
	if tr.FailureCode != unitybridge.CodePhaseInvalid {
		t.Errorf("FailureCode = %q, want %q", tr.FailureCode, unitybridge.CodePhaseInvalid)
	}
}

func TestActionResultMismatch(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	before := rt
	rt2, tr := d.HandleActionResult(rt, "req-1", protocol.ActionResult{
		ActionType:       "delete_object",
		TargetObjectPath: "/Root/Cube",
		Success:          true,
	})

	if tr.Kind != protocol.TransitionMismatch {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionMismatch)
	}
	if rt2.NextVisualIndex != before.NextVisualIndex {
		t.Error("mismatch must not advance the cursor")
	}
	if rt2.Phase != protocol.PhaseActionPending {
		t.Errorf("Phase = %q, want unchanged %q", rt2.Phase, protocol.PhaseActionPending)
	}
}

func TestActionResultTargetMismatch(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	_, tr := d.HandleActionResult(rt, "req-1", protocol.ActionResult{
		ActionType:       "set_transform",
		TargetObjectPath: "/Root/Sphere",
		Success:          true,
	})

	if tr.Kind != protocol.TransitionMismatch {
		t.Errorf("Kind = %q, want %q", tr.Kind, protocol.TransitionMismatch)
	}
}

func TestActionResultFailure(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	rt, tr := d.HandleActionResult(rt, "req-1", protocol.ActionResult{
		ActionType:       "set_transform",
		TargetObjectPath: "/Root/Cube",
		Success:          false,
		ErrorCode:        "E_TARGET_LOCKED",
		ErrorMessage:     "object is locked",
	})

	if tr.Kind != protocol.TransitionFailed {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionFailed)
	}
	if tr.FailureCode != unitybridge.CodeActionExecutionFailed {
		t.Errorf("FailureCode = %q, want %q", tr.FailureCode, unitybridge.CodeActionExecutionFailed)
	}
	if rt.LastActionError != "object is locked" {
		t.Errorf("LastActionError = %q, want %q", rt.LastActionError, "object is locked")
	}
}

// TestRebootSuspendResume checks the one allowed backward-looking
// cycle: action_pending → waiting_for_unity_reboot → action_pending,
// with the cursor unchanged and the same action re-emitted.
func TestRebootSuspendResume(t *testing.T) {
	d := protocol.NewDispatcher(nil, protocol.WithClock(fixedClock(5000)))
	rt := newRuntime(0, 2)
	rt.Phase = protocol.PhaseActionPending
	rt.NextVisualIndex = 1

	rt, tr := d.HandleActionResult(rt, "req-1", protocol.ActionResult{
		ActionType:       "set_transform",
		TargetObjectPath: "/Root/Cube",
		Success:          false,
		ErrorCode:        protocol.RebootInProgressCode,
	})

	if tr.Kind != protocol.TransitionSuspended {
		t.Fatalf("Kind = %q, want %q", tr.Kind, protocol.TransitionSuspended)
	}
	if rt.Phase != protocol.PhaseWaitingForUnityReboot {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseWaitingForUnityReboot)
	}
	if rt.RebootWaitStartedAt != 5000 {
		t.Errorf("RebootWaitStartedAt = %d, want 5000", rt.RebootWaitStartedAt)
	}
	if rt.NextVisualIndex != 1 {
		t.Errorf("NextVisualIndex = %d, want unchanged 1", rt.NextVisualIndex)
	}

	rt, tr = d.HandleRuntimePing(rt, "req-1")

	if tr.Kind != protocol.TransitionWaitingAction {
		t.Fatalf("after ping: Kind = %q, want %q", tr.Kind, protocol.TransitionWaitingAction)
	}
	if rt.Phase != protocol.PhaseActionPending {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseActionPending)
	}
	if rt.RebootWaitStartedAt != 0 {
		t.Errorf("RebootWaitStartedAt = %d, want 0 after resume", rt.RebootWaitStartedAt)
	}
	if rt.NextVisualIndex != 1 {
		t.Errorf("NextVisualIndex = %d, want unchanged 1", rt.NextVisualIndex)
	}
	if tr.ActionRequest == nil || tr.ActionRequest.Index != 1 {
		t.Errorf("ActionRequest = %+v, want re-emit of index 1", tr.ActionRequest)
	}
}

func TestRuntimePingIsNoOpOutsideSuspension(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending

	rt2, tr := d.HandleRuntimePing(rt, "req-1")

	if tr.Kind != protocol.TransitionNone {
		t.Errorf("Kind = %q, want %q", tr.Kind, protocol.TransitionNone)
	}
	if rt2.Phase != protocol.PhaseActionPending {
		t.Errorf("Phase = %q, want unchanged", rt2.Phase)
	}
}

func TestDuplicateResultAfterExhaustionCompletes(t *testing.T) {
	d := protocol.NewDispatcher(nil)
	rt := newRuntime(0, 1)
	rt.Phase = protocol.PhaseActionPending
	rt.NextVisualIndex = 1 // cursor already past the last action

	rt, tr := d.HandleActionResult(rt, "req-1", protocol.ActionResult{
		ActionType: "set_transform",
		Success:    true,
	})

	if tr.Kind != protocol.TransitionCompleted {
		t.Fatalf("Kind = %q, want %q (duplicate callback tolerance)", tr.Kind, protocol.TransitionCompleted)
	}
	if rt.Phase != protocol.PhaseCompleted {
		t.Errorf("Phase = %q, want %q", rt.Phase, protocol.PhaseCompleted)
	}
}

func TestDurationCoercion(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"nan", nan(), 0},
		{"negative", -5, 0},
		{"normal", 42.5, 42.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocol.CoerceMS(tt.in); got != tt.want {
				t.Errorf("CoerceMS(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestNormalizeRuntimeClampsCursor(t *testing.T) {
	rt := protocol.Runtime{
		VisualActions:   []protocol.VisualAction{{ActionType: "a"}},
		NextVisualIndex: 99,
		Phase:           "bogus",
	}
	got := protocol.NormalizeRuntime(rt)

	if got.NextVisualIndex != 1 {
		t.Errorf("NextVisualIndex = %d, want clamped 1", got.NextVisualIndex)
	}
	if got.Phase != protocol.PhaseAccepted {
		t.Errorf("Phase = %q, want %q", got.Phase, protocol.PhaseAccepted)
	}
}
