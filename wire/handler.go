package wire

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
	"github.com/xraph/unitybridge/stream"
)

// Handler dispatches wire frames to gateway and query operations.
type Handler struct {
	gw      *gateway.Gateway
	queries *query.Coordinator
	broker  *stream.Broker
	logger  *slog.Logger
}

// NewHandler creates a new wire method handler.
func NewHandler(gw *gateway.Gateway, queries *query.Coordinator, broker *stream.Broker, logger *slog.Logger) *Handler {
	return &Handler{gw: gw, queries: queries, broker: broker, logger: logger}
}

// Handle processes a single request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodTaskSubmit:
		return h.handleTaskSubmit(ctx, frame, conn)
	case MethodTaskStatus:
		return h.handleTaskStatus(ctx, frame)
	case MethodTaskCancel:
		return h.handleTaskCancel(ctx, frame)
	case MethodHeartbeat:
		return h.handleHeartbeat(ctx, frame, conn)
	case MethodCompileResult:
		return h.handleCompileResult(ctx, frame)
	case MethodActionResult:
		return h.handleActionResult(ctx, frame)
	case MethodRuntimePing:
		return h.handleRuntimePing(ctx, frame)
	case MethodQueryPull:
		return h.handleQueryPull(frame)
	case MethodQueryReport:
		return h.handleQueryReport(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, unitybridge.CodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errFrame maps a gateway error onto the shared taxonomy.
func errFrame(frameID string, err error) *Frame {
	return NewErrorFrame(frameID, unitybridge.CodeForError(err), err.Error())
}

func (h *Handler) handleTaskSubmit(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req gateway.SubmitRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}
	if req.OwnerClientID == "" && conn != nil {
		req.OwnerClientID = conn.ID
	}

	resp, err := h.gw.SubmitTask(ctx, req)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, resp)
}

func (h *Handler) handleTaskStatus(ctx context.Context, frame *Frame) *Frame {
	var req TaskStatusRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeJobNotFound, "invalid job id: "+req.JobID)
	}

	payload, err := h.gw.TaskStatus(ctx, jobID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, payload)
}

func (h *Handler) handleTaskCancel(ctx context.Context, frame *Frame) *Frame {
	var req TaskCancelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeJobNotFound, "invalid job id: "+req.JobID)
	}

	payload, err := h.gw.CancelTask(ctx, jobID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, payload)
}

func (h *Handler) handleHeartbeat(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req gateway.HeartbeatRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}
	if req.OwnerClientID == "" && conn != nil {
		req.OwnerClientID = conn.ID
	}

	resp, err := h.gw.Heartbeat(ctx, req)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, resp)
}

func (h *Handler) handleCompileResult(ctx context.Context, frame *Frame) *Frame {
	var req CompileResultRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	j, err := h.gw.HandleCompileResult(ctx, req.RequestID, req.Payload)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, callbackResponse(j))
}

func (h *Handler) handleActionResult(ctx context.Context, frame *Frame) *Frame {
	var req ActionResultRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	j, err := h.gw.HandleActionResult(ctx, req.RequestID, req.Payload)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, callbackResponse(j))
}

func (h *Handler) handleRuntimePing(ctx context.Context, frame *Frame) *Frame {
	var req RuntimePingRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	j, err := h.gw.RuntimePing(ctx, req.ThreadID)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	resp := RuntimePingResponse{Acknowledged: true}
	if j != nil {
		resp.JobID = j.ID.String()
	}
	return mustResponseFrame(frame.ID, resp)
}

func (h *Handler) handleQueryPull(frame *Frame) *Frame {
	var req QueryPullRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
		}
	}

	q, ok := h.queries.Pull(req.AcceptedQueryTypes)
	if !ok {
		return mustResponseFrame(frame.ID, QueryPullResponse{Pending: false})
	}
	return mustResponseFrame(frame.ID, QueryPullResponse{Pending: true, Query: q})
}

func (h *Handler) handleQueryReport(ctx context.Context, frame *Frame) *Frame {
	var req QueryReportRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	queryID, err := id.ParseQueryID(req.QueryID)
	if err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeQueryNotFound, "invalid query id: "+req.QueryID)
	}

	success := req.Success == nil || *req.Success
	accepted, replay, err := h.queries.Report(ctx, queryID, req.Report(), success, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		return errFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, QueryReportResponse{Accepted: accepted, Replay: replay})
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	if err := stream.ValidateTopic(req.Topic); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, err.Error())
	}

	// Actual subscription is done in the server loop after the response
	// is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"topic":  req.Topic,
		"status": "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "invalid request: "+err.Error())
	}

	// Actual unsubscription is done in the server loop after the
	// response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"topic":  req.Topic,
		"status": "unsubscribed",
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	stats := map[string]any{
		"broker":      h.broker.Stats(),
		"running_job": h.gw.RunningJobID(),
	}
	return mustResponseFrame(frame.ID, stats)
}

func callbackResponse(j *job.Job) CallbackResponse {
	return CallbackResponse{
		JobID:  j.ID.String(),
		Status: string(j.Status),
		Stage:  j.Stage,
		Phase:  string(j.Runtime.Phase),
	}
}
