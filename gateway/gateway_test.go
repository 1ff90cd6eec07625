package gateway_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGate struct {
	err   error
	calls int
}

func (f *fakeGate) Validate(_ context.Context, _ string, _ *job.Anchor) error {
	f.calls++
	return f.err
}

type fakeExec struct {
	err error
}

func (f *fakeExec) Apply(_ context.Context, actions []protocol.FileAction) ([]protocol.FileChange, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]protocol.FileChange, 0, len(actions))
	for _, a := range actions {
		out = append(out, protocol.FileChange{Type: a.Type, Path: a.Path})
	}
	return out, nil
}

type countingExt struct {
	finalized int
}

func (c *countingExt) Name() string { return "counting" }

func (c *countingExt) OnJobFinalized(_ context.Context, _ *job.Job, _ time.Duration) error {
	c.finalized++
	return nil
}

var _ hook.JobFinalized = (*countingExt)(nil)

type world struct {
	jobs *job.Store
	fifo *queue.FIFO
	lock *queue.Lock
	gw   *gateway.Gateway
	ext  *countingExt
}

func newWorld(t *testing.T, capacity int, opts ...gateway.Option) *world {
	t.Helper()
	w := &world{
		jobs: job.NewStore(),
		fifo: queue.NewFIFO(capacity),
		lock: queue.NewLock(),
		ext:  &countingExt{},
	}
	hooks := hook.NewRegistry(testLogger())
	hooks.Register(w.ext)
	d := protocol.NewDispatcher(&fakeExec{}, protocol.WithLogger(testLogger()))
	opts = append([]gateway.Option{gateway.WithLogger(testLogger())}, opts...)
	w.gw = gateway.NewGateway(w.jobs, w.fifo, w.lock, d, hooks, opts...)
	return w
}

func submitReq(key string, visual int) gateway.SubmitRequest {
	req := gateway.SubmitRequest{
		IdempotencyKey: key,
		ThreadID:       "thread-1",
		UserIntent:     "add a cube",
	}
	for i := 0; i < visual; i++ {
		req.VisualActions = append(req.VisualActions, protocol.VisualAction{
			ActionType:       "create_object",
			TargetObjectPath: "/Root/Cube",
		})
	}
	return req
}

func requestIDFor(t *testing.T, w *world, jobID string) string {
	t.Helper()
	jid, err := id.ParseJobID(jobID)
	if err != nil {
		t.Fatalf("ParseJobID(%q) failed: %v", jobID, err)
	}
	j, err := w.jobs.GetJob(jid)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return j.RequestID.String()
}

func TestSubmitStartsImmediately(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if resp.Status != "accepted" {
		t.Errorf("Status = %q, want %q", resp.Status, "accepted")
	}
	if resp.IdempotentReplay {
		t.Error("fresh submit reported as replay")
	}
	if resp.Task.Status != job.StatusPending {
		t.Errorf("job status = %q, want %q", resp.Task.Status, job.StatusPending)
	}
	if resp.Task.UnityActionRequest == nil {
		t.Fatal("expected an outstanding action request")
	}
	if got := resp.Task.UnityActionRequest.Action.ActionType; got != "create_object" {
		t.Errorf("pending action type = %q, want %q", got, "create_object")
	}
	if w.gw.RunningJobID() != resp.JobID {
		t.Errorf("RunningJobID = %q, want %q", w.gw.RunningJobID(), resp.JobID)
	}
}

func TestSubmitQueuesBehindRunner(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	a, err := w.gw.SubmitTask(ctx, submitReq("ka", 1))
	if err != nil {
		t.Fatalf("submit A failed: %v", err)
	}
	b, err := w.gw.SubmitTask(ctx, submitReq("kb", 1))
	if err != nil {
		t.Fatalf("submit B failed: %v", err)
	}

	if b.Status != "queued" {
		t.Errorf("B status = %q, want %q", b.Status, "queued")
	}
	if b.RunningJobID != a.JobID {
		t.Errorf("RunningJobID = %q, want %q", b.RunningJobID, a.JobID)
	}

	// At most one runner.
	pending := 0
	for _, j := range w.jobs.ListJobs() {
		if j.Status == job.StatusPending {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("pending count = %d, want 1", pending)
	}
}

func TestQueueBoundRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 1)

	if _, err := w.gw.SubmitTask(ctx, submitReq("ka", 1)); err != nil {
		t.Fatalf("submit A failed: %v", err)
	}
	if _, err := w.gw.SubmitTask(ctx, submitReq("kb", 1)); err != nil {
		t.Fatalf("submit B failed: %v", err)
	}

	before := w.jobs.CountJobs()
	_, err := w.gw.SubmitTask(ctx, submitReq("kc", 1))
	if !errors.Is(err, unitybridge.ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
	if got := unitybridge.CodeForError(err); got != unitybridge.CodeJobConflict {
		t.Errorf("CodeForError = %q, want %q", got, unitybridge.CodeJobConflict)
	}
	if w.jobs.CountJobs() != before {
		t.Errorf("CountJobs = %d, want %d (rejected submit must not mutate)", w.jobs.CountJobs(), before)
	}
	if w.fifo.Len() != 1 {
		t.Errorf("queue length = %d, want 1", w.fifo.Len())
	}
}

func TestIdempotentSubmit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	first, err := w.gw.SubmitTask(ctx, submitReq("same-key", 1))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := w.gw.SubmitTask(ctx, submitReq("same-key", 1))
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if second.JobID != first.JobID {
		t.Errorf("replay JobID = %q, want %q", second.JobID, first.JobID)
	}
	if !second.IdempotentReplay {
		t.Error("second submit should report idempotent_replay=true")
	}
	if w.jobs.CountJobs() != 1 {
		t.Errorf("CountJobs = %d, want 1", w.jobs.CountJobs())
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	tests := []struct {
		name string
		req  gateway.SubmitRequest
		want error
	}{
		{"missing idempotency key", gateway.SubmitRequest{ThreadID: "t"}, unitybridge.ErrSchemaInvalid},
		{"missing thread id", gateway.SubmitRequest{IdempotencyKey: "k"}, unitybridge.ErrSchemaInvalid},
		{
			"bad approval mode",
			gateway.SubmitRequest{IdempotencyKey: "k", ThreadID: "t", ApprovalMode: "maybe"},
			unitybridge.ErrSchemaInvalid,
		},
		{
			"file action without path",
			gateway.SubmitRequest{
				IdempotencyKey: "k", ThreadID: "t",
				FileActions: []protocol.FileAction{{Type: "create"}},
			},
			unitybridge.ErrSchemaInvalid,
		},
		{
			"visual action without type",
			gateway.SubmitRequest{
				IdempotencyKey: "k", ThreadID: "t",
				VisualActions: []protocol.VisualAction{{TargetObjectPath: "/Root"}},
			},
			unitybridge.ErrActionSchemaInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.gw.SubmitTask(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if w.jobs.CountJobs() != 0 {
		t.Errorf("CountJobs = %d, want 0 after rejected submits", w.jobs.CountJobs())
	}
}

func TestGateRejectsBeforeAnyEffect(t *testing.T) {
	ctx := context.Background()
	gate := &fakeGate{err: unitybridge.ErrStaleSnapshot}
	w := newWorld(t, 4, gateway.WithSnapshotGate(gate))

	_, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if !errors.Is(err, unitybridge.ErrStaleSnapshot) {
		t.Fatalf("error = %v, want ErrStaleSnapshot", err)
	}
	if gate.calls != 1 {
		t.Errorf("gate calls = %d, want 1", gate.calls)
	}
	if w.jobs.CountJobs() != 0 {
		t.Error("rejected submit must not create a job")
	}
	if _, held := w.lock.Running(); held {
		t.Error("rejected submit must not claim the slot")
	}
}

func TestCancelPromotesNext(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	a, err := w.gw.SubmitTask(ctx, submitReq("ka", 1))
	if err != nil {
		t.Fatalf("submit A failed: %v", err)
	}
	b, err := w.gw.SubmitTask(ctx, submitReq("kb", 1))
	if err != nil {
		t.Fatalf("submit B failed: %v", err)
	}

	cancelled, err := w.gw.CancelTask(ctx, id.MustParse(a.JobID))
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Errorf("A status = %q, want %q", cancelled.Status, job.StatusCancelled)
	}

	if w.gw.RunningJobID() != b.JobID {
		t.Errorf("RunningJobID = %q, want promoted job %q", w.gw.RunningJobID(), b.JobID)
	}
	promoted, err := w.jobs.GetJob(id.MustParse(b.JobID))
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if promoted.Status != job.StatusPending {
		t.Errorf("B status = %q, want %q", promoted.Status, job.StatusPending)
	}
	if w.fifo.Len() != 0 {
		t.Errorf("queue length = %d, want 0", w.fifo.Len())
	}
}

func TestIdempotentFinalize(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	jobID := id.MustParse(resp.JobID)

	first, err := w.gw.CancelTask(ctx, jobID)
	if err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	second, err := w.gw.CancelTask(ctx, jobID)
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}

	if first.UpdatedAt == 0 || second.UpdatedAt != first.UpdatedAt {
		t.Errorf("second cancel changed the record: updated_at %d vs %d", second.UpdatedAt, first.UpdatedAt)
	}
	if w.ext.finalized != 1 {
		t.Errorf("finalized hook fired %d times, want 1", w.ext.finalized)
	}
	stored, err := w.jobs.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.TerminalAt == 0 {
		t.Error("terminal_at not stamped")
	}
}

func TestCompileFailureFinalizesJob(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	req := submitReq("k1", 1)
	req.FileActions = []protocol.FileAction{{Type: "create", Path: "Assets/Cube.cs", Content: "class Cube {}"}}
	resp, err := w.gw.SubmitTask(ctx, req)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if resp.Task.Stage != "compiling" {
		t.Fatalf("stage = %q, want %q", resp.Task.Stage, "compiling")
	}

	final, err := w.gw.HandleCompileResult(ctx, requestIDFor(t, w, resp.JobID), protocol.CompileResult{
		Success: false,
		Errors:  []protocol.CompileError{{Code: "CS0001", Message: "x"}},
	})
	if err != nil {
		t.Fatalf("HandleCompileResult failed: %v", err)
	}

	if final.Status != job.StatusFailed {
		t.Errorf("status = %q, want %q", final.Status, job.StatusFailed)
	}
	if final.ErrorCode != unitybridge.CodeCompileFailed {
		t.Errorf("error_code = %q, want %q", final.ErrorCode, unitybridge.CodeCompileFailed)
	}
	if final.ExecutionReport == nil || len(final.ExecutionReport.CompileErrors) != 1 {
		t.Fatalf("execution report compile errors = %+v, want exactly one", final.ExecutionReport)
	}
	if _, held := w.lock.Running(); held {
		t.Error("slot should be released after terminal failure")
	}
}

func TestVisualActionSuccessCompletesJob(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	final, err := w.gw.HandleActionResult(ctx, requestIDFor(t, w, resp.JobID), protocol.ActionResult{
		ActionType:       "create_object",
		TargetObjectPath: "/Root/Cube",
		Success:          true,
	})
	if err != nil {
		t.Fatalf("HandleActionResult failed: %v", err)
	}

	if final.Status != job.StatusSucceeded {
		t.Errorf("status = %q, want %q", final.Status, job.StatusSucceeded)
	}
	rep := final.ExecutionReport
	if rep == nil || !rep.Success || rep.ActionsCompleted != 1 || rep.ActionsTotal != 1 {
		t.Errorf("execution report = %+v, want success with 1/1 actions", rep)
	}
}

func TestActionResultMismatchRejected(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	_, err = w.gw.HandleActionResult(ctx, requestIDFor(t, w, resp.JobID), protocol.ActionResult{
		ActionType: "delete_object",
		Success:    true,
	})
	if got := unitybridge.CodeForError(err); got != unitybridge.CodePhaseInvalid {
		t.Fatalf("CodeForError = %q (err %v), want %q", got, err, unitybridge.CodePhaseInvalid)
	}

	// The job is untouched and still awaits the real result.
	j, err := w.jobs.GetJob(id.MustParse(resp.JobID))
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Runtime.Phase != protocol.PhaseActionPending {
		t.Errorf("phase = %q, want %q", j.Runtime.Phase, protocol.PhaseActionPending)
	}
}

func TestCallbackAgainstTerminalJobIsReplay(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	reqID := requestIDFor(t, w, resp.JobID)
	if _, err := w.gw.CancelTask(ctx, id.MustParse(resp.JobID)); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	j, err := w.gw.HandleActionResult(ctx, reqID, protocol.ActionResult{
		ActionType: "create_object",
		Success:    true,
	})
	if err != nil {
		t.Fatalf("callback against terminal job should replay, got %v", err)
	}
	if j.Status != job.StatusCancelled {
		t.Errorf("status = %q, want %q", j.Status, job.StatusCancelled)
	}
	if w.ext.finalized != 1 {
		t.Errorf("finalized hook fired %d times, want 1", w.ext.finalized)
	}
}

func TestCallbackUnknownRequest(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	_, err := w.gw.HandleCompileResult(ctx, id.NewRequestID().String(), protocol.CompileResult{Success: true})
	if !errors.Is(err, unitybridge.ErrRequestNotFound) {
		t.Errorf("error = %v, want ErrRequestNotFound", err)
	}
	_, err = w.gw.HandleCompileResult(ctx, "not-a-request-id", protocol.CompileResult{Success: true})
	if !errors.Is(err, unitybridge.ErrRequestNotFound) {
		t.Errorf("error = %v, want ErrRequestNotFound", err)
	}
}

func TestRebootSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 2))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	reqID := requestIDFor(t, w, resp.JobID)

	suspended, err := w.gw.HandleActionResult(ctx, reqID, protocol.ActionResult{
		ActionType:       "create_object",
		TargetObjectPath: "/Root/Cube",
		Success:          false,
		ErrorCode:        protocol.RebootInProgressCode,
	})
	if err != nil {
		t.Fatalf("HandleActionResult failed: %v", err)
	}
	if suspended.Runtime.Phase != protocol.PhaseWaitingForUnityReboot {
		t.Fatalf("phase = %q, want %q", suspended.Runtime.Phase, protocol.PhaseWaitingForUnityReboot)
	}
	if suspended.Runtime.RebootWaitStartedAt == 0 {
		t.Error("reboot_wait_started_at not stamped")
	}
	cursorBefore := suspended.Runtime.NextVisualIndex

	resumed, err := w.gw.RuntimePing(ctx, "thread-1")
	if err != nil {
		t.Fatalf("RuntimePing failed: %v", err)
	}
	if resumed == nil {
		t.Fatal("ping should resume the suspended job")
	}
	if resumed.Runtime.Phase != protocol.PhaseActionPending {
		t.Errorf("phase = %q, want %q", resumed.Runtime.Phase, protocol.PhaseActionPending)
	}
	if resumed.Runtime.RebootWaitStartedAt != 0 {
		t.Error("reboot_wait_started_at should reset on resume")
	}
	if resumed.Runtime.NextVisualIndex != cursorBefore {
		t.Errorf("cursor moved across suspend/resume: %d → %d", cursorBefore, resumed.Runtime.NextVisualIndex)
	}
}

func TestRuntimePingWhenIdle(t *testing.T) {
	w := newWorld(t, 4)
	j, err := w.gw.RuntimePing(context.Background(), "thread-1")
	if err != nil || j != nil {
		t.Errorf("idle ping = (%v, %v), want (nil, nil)", j, err)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	w := newWorld(t, 4, gateway.WithClock(func() time.Time { return now }))

	a, err := w.gw.SubmitTask(ctx, submitReq("ka", 1))
	if err != nil {
		t.Fatalf("submit A failed: %v", err)
	}
	if _, err := w.gw.SubmitTask(ctx, submitReq("kb", 1)); err != nil {
		t.Fatalf("submit B failed: %v", err)
	}

	now = now.Add(30 * time.Second)
	resp, err := w.gw.Heartbeat(ctx, gateway.HeartbeatRequest{ThreadID: "thread-1", OwnerClientID: "client-9"})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if resp.TouchedJobCount != 2 {
		t.Errorf("TouchedJobCount = %d, want 2", resp.TouchedJobCount)
	}

	j, err := w.jobs.GetJob(id.MustParse(a.JobID))
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Lease.LastHeartbeatAt != now.UnixMilli() {
		t.Errorf("last_heartbeat_at = %d, want %d", j.Lease.LastHeartbeatAt, now.UnixMilli())
	}
	if j.Lease.OwnerClientID != "client-9" {
		t.Errorf("owner_client_id = %q, want %q", j.Lease.OwnerClientID, "client-9")
	}

	_, err = w.gw.Heartbeat(ctx, gateway.HeartbeatRequest{JobID: id.NewJobID().String()})
	if !errors.Is(err, unitybridge.ErrJobNotFound) {
		t.Errorf("unknown job heartbeat error = %v, want ErrJobNotFound", err)
	}
}

func TestStatusPollTouchesLease(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	w := newWorld(t, 4, gateway.WithClock(func() time.Time { return now }))

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	now = now.Add(time.Minute)
	status, err := w.gw.TaskStatus(ctx, id.MustParse(resp.JobID))
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if status.LeaseLastHeartbeatAt != now.UnixMilli() {
		t.Errorf("lease_last_heartbeat_at = %d, want %d", status.LeaseLastHeartbeatAt, now.UnixMilli())
	}
	if status.RunningJobID != resp.JobID {
		t.Errorf("running_job_id = %q, want %q", status.RunningJobID, resp.JobID)
	}
	if status.PendingVisualActionCount != 1 {
		t.Errorf("pending_visual_action_count = %d, want 1", status.PendingVisualActionCount)
	}

	_, err = w.gw.TaskStatus(ctx, id.NewJobID())
	if !errors.Is(err, unitybridge.ErrJobNotFound) {
		t.Errorf("unknown job status error = %v, want ErrJobNotFound", err)
	}
}

func TestAutoCancelRecordsReasonAndOrphansLease(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 4)

	resp, err := w.gw.SubmitTask(ctx, submitReq("k1", 1))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	final, err := w.gw.AutoCancel(ctx, id.MustParse(resp.JobID),
		unitybridge.CodeHeartbeatTimeout, job.AutoCancelHeartbeatTimeout)
	if err != nil {
		t.Fatalf("AutoCancel failed: %v", err)
	}

	if final.Status != job.StatusCancelled {
		t.Errorf("status = %q, want %q", final.Status, job.StatusCancelled)
	}
	if final.AutoCancelReason != job.AutoCancelHeartbeatTimeout {
		t.Errorf("auto_cancel_reason = %q, want %q", final.AutoCancelReason, job.AutoCancelHeartbeatTimeout)
	}
	if final.ErrorCode != unitybridge.CodeHeartbeatTimeout {
		t.Errorf("error_code = %q, want %q", final.ErrorCode, unitybridge.CodeHeartbeatTimeout)
	}
	if !final.Lease.Orphaned || final.Lease.State != job.LeaseOrphaned {
		t.Errorf("lease = %+v, want orphaned", final.Lease)
	}

	// A second auto-cancel is a no-op against the terminal record.
	again, err := w.gw.AutoCancel(ctx, final.ID, unitybridge.CodeMaxRuntimeExceeded, job.AutoCancelMaxRuntime)
	if err != nil {
		t.Fatalf("second AutoCancel failed: %v", err)
	}
	if again.AutoCancelReason != job.AutoCancelHeartbeatTimeout {
		t.Errorf("auto_cancel_reason changed to %q, want %q kept", again.AutoCancelReason, job.AutoCancelHeartbeatTimeout)
	}
}

func TestFileWriteFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	w := &world{
		jobs: job.NewStore(),
		fifo: queue.NewFIFO(4),
		lock: queue.NewLock(),
		ext:  &countingExt{},
	}
	hooks := hook.NewRegistry(testLogger())
	hooks.Register(w.ext)
	d := protocol.NewDispatcher(&fakeExec{err: errors.New("disk full")}, protocol.WithLogger(testLogger()))
	w.gw = gateway.NewGateway(w.jobs, w.fifo, w.lock, d, hooks, gateway.WithLogger(testLogger()))

	req := submitReq("k1", 0)
	req.FileActions = []protocol.FileAction{{Type: "create", Path: "Assets/Cube.cs"}}
	resp, err := w.gw.SubmitTask(ctx, req)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if resp.Task.Status != job.StatusFailed {
		t.Errorf("status = %q, want %q", resp.Task.Status, job.StatusFailed)
	}
	if resp.Task.ErrorCode != unitybridge.CodeFileWriteFailed {
		t.Errorf("error_code = %q, want %q", resp.Task.ErrorCode, unitybridge.CodeFileWriteFailed)
	}
	if _, held := w.lock.Running(); held {
		t.Error("slot should be free after the synchronous failure")
	}
}
