package wire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/query"
	"github.com/xraph/unitybridge/queue"
	"github.com/xraph/unitybridge/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mustJSON marshals to JSON or panics.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

type echoExec struct{}

func (echoExec) Apply(_ context.Context, actions []protocol.FileAction) ([]protocol.FileChange, error) {
	out := make([]protocol.FileChange, 0, len(actions))
	for _, a := range actions {
		out = append(out, protocol.FileChange{Type: a.Type, Path: a.Path})
	}
	return out, nil
}

type handlerWorld struct {
	jobs    *job.Store
	queries *query.Coordinator
	h       *Handler
	conn    *Connection
}

func newHandlerWorld(t *testing.T) *handlerWorld {
	t.Helper()
	jobs := job.NewStore(job.WithLogger(testLogger()))
	fifo := queue.NewFIFO(4)
	lock := queue.NewLock()
	d := protocol.NewDispatcher(echoExec{}, protocol.WithLogger(testLogger()))
	gw := gateway.NewGateway(jobs, fifo, lock, d, hook.NewRegistry(testLogger()),
		gateway.WithLogger(testLogger()))
	queries := query.NewCoordinator(query.NewStore(), query.WithLogger(testLogger()))
	broker := stream.NewBroker(testLogger())
	return &handlerWorld{
		jobs:    jobs,
		queries: queries,
		h:       NewHandler(gw, queries, broker, testLogger()),
		conn:    NewConnection("conn-1", &Identity{Subject: "test", Scopes: []string{"*"}}, &JSONCodec{}),
	}
}

func (w *handlerWorld) dispatch(t *testing.T, method string, payload any) *Frame {
	t.Helper()
	frame := &Frame{
		ID:     "req-" + method,
		Type:   FrameRequest,
		Method: method,
		Data:   mustJSON(payload),
	}
	resp := w.h.Handle(context.Background(), frame, w.conn)
	if resp == nil {
		t.Fatalf("Handle(%s) returned nil", method)
	}
	return resp
}

func submitPayload(key string) gateway.SubmitRequest {
	return gateway.SubmitRequest{
		IdempotencyKey: key,
		ThreadID:       "thread-1",
		VisualActions: []protocol.VisualAction{
			{ActionType: "create_object", TargetObjectPath: "/Root/Cube"},
		},
	}
}

func TestHandlerTaskSubmitAndStatus(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodTaskSubmit, submitPayload("k1"))
	if resp.Type != FrameResponse {
		t.Fatalf("submit Type = %q, error = %+v", resp.Type, resp.Error)
	}

	var submitted gateway.SubmitResponse
	if err := json.Unmarshal(resp.Data, &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.Status != "accepted" {
		t.Errorf("status = %q, want %q", submitted.Status, "accepted")
	}

	statusResp := w.dispatch(t, MethodTaskStatus, TaskStatusRequest{JobID: submitted.JobID})
	if statusResp.Type != FrameResponse {
		t.Fatalf("status Type = %q, error = %+v", statusResp.Type, statusResp.Error)
	}
	var payload gateway.StatusPayload
	if err := json.Unmarshal(statusResp.Data, &payload); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if payload.JobID != submitted.JobID {
		t.Errorf("job_id = %q, want %q", payload.JobID, submitted.JobID)
	}
	if payload.Status != job.StatusPending {
		t.Errorf("status = %q, want %q", payload.Status, job.StatusPending)
	}
}

func TestHandlerTaskSubmitInvalid(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodTaskSubmit, gateway.SubmitRequest{ThreadID: "thread-1"})
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want %q", resp.Type, FrameErr)
	}
	if resp.Error.ErrorCode != unitybridge.CodeSchemaInvalid {
		t.Errorf("error_code = %q, want %q", resp.Error.ErrorCode, unitybridge.CodeSchemaInvalid)
	}
	if resp.Error.Status != 400 {
		t.Errorf("status = %d, want %d", resp.Error.Status, 400)
	}
}

func TestHandlerActionResultCompletesJob(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodTaskSubmit, submitPayload("k1"))
	var submitted gateway.SubmitResponse
	if err := json.Unmarshal(resp.Data, &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}

	jobID, err := id.ParseJobID(submitted.JobID)
	if err != nil {
		t.Fatalf("ParseJobID: %v", err)
	}
	j, err := w.jobs.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	cbResp := w.dispatch(t, MethodActionResult, ActionResultRequest{
		RequestID: j.RequestID.String(),
		Payload: protocol.ActionResult{
			ActionType:       "create_object",
			TargetObjectPath: "/Root/Cube",
			Success:          true,
		},
	})
	if cbResp.Type != FrameResponse {
		t.Fatalf("callback Type = %q, error = %+v", cbResp.Type, cbResp.Error)
	}
	var cb CallbackResponse
	if err := json.Unmarshal(cbResp.Data, &cb); err != nil {
		t.Fatalf("unmarshal callback response: %v", err)
	}
	if cb.Status != string(job.StatusSucceeded) {
		t.Errorf("status = %q, want %q", cb.Status, job.StatusSucceeded)
	}
}

func TestHandlerCallbackUnknownRequest(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodCompileResult, CompileResultRequest{
		RequestID: id.NewRequestID().String(),
		Payload:   protocol.CompileResult{Success: true},
	})
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want %q", resp.Type, FrameErr)
	}
	if resp.Error.ErrorCode != unitybridge.CodeRequestNotFound {
		t.Errorf("error_code = %q, want %q", resp.Error.ErrorCode, unitybridge.CodeRequestNotFound)
	}
	if resp.Error.Status != 404 {
		t.Errorf("status = %d, want %d", resp.Error.Status, 404)
	}
}

func TestHandlerRuntimePingIdle(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodRuntimePing, RuntimePingRequest{ThreadID: "thread-1"})
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, error = %+v", resp.Type, resp.Error)
	}
	var ping RuntimePingResponse
	if err := json.Unmarshal(resp.Data, &ping); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ping.Acknowledged {
		t.Error("ping should be acknowledged")
	}
	if ping.JobID != "" {
		t.Errorf("job_id = %q, want empty for idle engine", ping.JobID)
	}
}

func TestHandlerQueryPullAndReport(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	pullEmpty := w.dispatch(t, MethodQueryPull, QueryPullRequest{})
	var empty QueryPullResponse
	if err := json.Unmarshal(pullEmpty.Data, &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if empty.Pending {
		t.Error("pull on empty store should report no pending query")
	}

	q, _ := w.queries.Enqueue("scene.read", json.RawMessage(`{"path":"/Root"}`))

	pull := w.dispatch(t, MethodQueryPull, QueryPullRequest{AcceptedQueryTypes: []string{"scene.read"}})
	var pulled QueryPullResponse
	if err := json.Unmarshal(pull.Data, &pulled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !pulled.Pending || pulled.Query == nil {
		t.Fatalf("pull = %+v, want pending query", pulled)
	}
	if pulled.Query.ID != q.ID {
		t.Errorf("query id = %s, want %s", pulled.Query.ID, q.ID)
	}

	report := w.dispatch(t, MethodQueryReport, QueryReportRequest{
		QueryID: q.ID.String(),
		Result:  json.RawMessage(`{"objects":[]}`),
	})
	var reported QueryReportResponse
	if err := json.Unmarshal(report.Data, &reported); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reported.Accepted || reported.Replay {
		t.Errorf("report = %+v, want accepted first delivery", reported)
	}
}

func TestHandlerQueryReportResponseKey(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	q, _ := w.queries.Enqueue("scene.read", json.RawMessage(`{"path":"/Root"}`))
	w.dispatch(t, MethodQueryPull, QueryPullRequest{})

	// Older editor builds send the payload under "response".
	report := w.dispatch(t, MethodQueryReport, QueryReportRequest{
		QueryID:  q.ID.String(),
		Response: json.RawMessage(`{"objects":["cube"]}`),
	})
	var reported QueryReportResponse
	if err := json.Unmarshal(report.Data, &reported); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reported.Accepted {
		t.Fatalf("report = %+v, want accepted", reported)
	}

	stored, err := w.queries.Get(q.ID)
	if err != nil {
		t.Fatalf("Get(%s) = %v", q.ID, err)
	}
	if string(stored.Report) != `{"objects":["cube"]}` {
		t.Errorf("Report = %s, want the response payload", stored.Report)
	}
}

func TestHandlerSubscribe(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodSubscribe, SubscribeRequest{Topic: "jobs"})
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, error = %+v", resp.Type, resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["status"] != "subscribed" {
		t.Errorf("status = %q, want %q", result["status"], "subscribed")
	}
}

func TestHandlerSubscribeInvalidTopic(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, MethodSubscribe, SubscribeRequest{Topic: "bogus"})
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want %q", resp.Type, FrameErr)
	}
	if resp.Error.ErrorCode != unitybridge.CodeSchemaInvalid {
		t.Errorf("error_code = %q, want %q", resp.Error.ErrorCode, unitybridge.CodeSchemaInvalid)
	}
}

func TestHandlerUnknownMethod(t *testing.T) {
	t.Parallel()
	w := newHandlerWorld(t)

	resp := w.dispatch(t, "nonexistent.method", struct{}{})
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want %q", resp.Type, FrameErr)
	}
	if resp.Error.ErrorCode != unitybridge.CodeSchemaInvalid {
		t.Errorf("error_code = %q, want %q", resp.Error.ErrorCode, unitybridge.CodeSchemaInvalid)
	}
}
