package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/query"
)

// CompileResultBody is the editor's compile callback payload.
type CompileResultBody struct {
	RequestID string                 `json:"request_id"`
	Payload   protocol.CompileResult `json:"payload"`
}

// ActionResultBody is the editor's visual action callback payload.
type ActionResultBody struct {
	RequestID string                `json:"request_id"`
	Payload   protocol.ActionResult `json:"payload"`
}

// RuntimePingBody is the editor's liveness signal.
type RuntimePingBody struct {
	ThreadID string `json:"thread_id"`
}

// CallbackAck reports where the job landed after a callback.
type CallbackAck struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Phase  string `json:"phase"`
}

func (a *API) compileResult(c *gin.Context) {
	var body CompileResultBody
	if !a.bindJSON(c, &body) {
		return
	}

	j, err := a.gw.HandleCompileResult(c.Request.Context(), body.RequestID, body.Payload)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CallbackAck{
		JobID:  j.ID.String(),
		Status: string(j.Status),
		Stage:  j.Stage,
		Phase:  string(j.Runtime.Phase),
	})
}

func (a *API) actionResult(c *gin.Context) {
	var body ActionResultBody
	if !a.bindJSON(c, &body) {
		return
	}

	j, err := a.gw.HandleActionResult(c.Request.Context(), body.RequestID, body.Payload)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CallbackAck{
		JobID:  j.ID.String(),
		Status: string(j.Status),
		Stage:  j.Stage,
		Phase:  string(j.Runtime.Phase),
	})
}

func (a *API) runtimePing(c *gin.Context) {
	var body RuntimePingBody
	if !a.bindJSON(c, &body) {
		return
	}

	j, err := a.gw.RuntimePing(c.Request.Context(), body.ThreadID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	resp := gin.H{"acknowledged": true}
	if j != nil {
		resp["job_id"] = j.ID.String()
	}
	c.JSON(http.StatusOK, resp)
}

// PullQueryBody filters which query types the editor will answer.
type PullQueryBody struct {
	AcceptedQueryTypes []string `json:"accepted_query_types,omitempty"`
}

// PullQueryResponse returns the claimed query, if any.
type PullQueryResponse struct {
	Pending bool         `json:"pending"`
	Query   *query.Query `json:"query,omitempty"`
}

func (a *API) pullQuery(c *gin.Context) {
	var body PullQueryBody
	if c.Request.ContentLength > 0 && !a.bindJSON(c, &body) {
		return
	}

	q, ok := a.queries.Pull(body.AcceptedQueryTypes)
	if !ok {
		c.JSON(http.StatusOK, PullQueryResponse{Pending: false})
		return
	}
	c.JSON(http.StatusOK, PullQueryResponse{Pending: true, Query: q})
}

// ReportQueryBody resolves a pulled query. Older editor builds send the
// result under "response"; both keys are accepted.
type ReportQueryBody struct {
	Result       json.RawMessage  `json:"result,omitempty"`
	Response     json.RawMessage  `json:"response,omitempty"`
	Success      *bool            `json:"success,omitempty"` // nil means true
	ErrorCode    unitybridge.Code `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func (b ReportQueryBody) report() json.RawMessage {
	if len(b.Result) > 0 {
		return b.Result
	}
	return b.Response
}

// ReportQueryResponse acknowledges a query report.
type ReportQueryResponse struct {
	Accepted bool `json:"accepted"`
	Replay   bool `json:"replay"`
}

func (a *API) reportQuery(c *gin.Context) {
	queryID, err := id.ParseQueryID(c.Param("queryId"))
	if err != nil {
		a.notFound(c, unitybridge.CodeQueryNotFound, "invalid query id: "+c.Param("queryId"))
		return
	}

	var body ReportQueryBody
	if !a.bindJSON(c, &body) {
		return
	}

	success := body.Success == nil || *body.Success
	accepted, replay, err := a.queries.Report(c.Request.Context(), queryID, body.report(), success, body.ErrorCode, body.ErrorMessage)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReportQueryResponse{Accepted: accepted, Replay: replay})
}
