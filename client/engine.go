package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/query"
	"github.com/xraph/unitybridge/wire"
)

// The methods below are the editor-plugin side of the protocol: they
// answer the bridge's compile and action requests and service the
// query bridge.

// ReportCompileResult delivers a compile outcome for a request.
func (c *Client) ReportCompileResult(ctx context.Context, requestID string, res protocol.CompileResult) (*wire.CallbackResponse, error) {
	resp, err := c.request(ctx, wire.MethodCompileResult, wire.CompileResultRequest{
		RequestID: requestID,
		Payload:   res,
	})
	if err != nil {
		return nil, err
	}

	var ack wire.CallbackResponse
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &ack, nil
}

// ReportActionResult delivers a visual action outcome for a request.
func (c *Client) ReportActionResult(ctx context.Context, requestID string, res protocol.ActionResult) (*wire.CallbackResponse, error) {
	resp, err := c.request(ctx, wire.MethodActionResult, wire.ActionResultRequest{
		RequestID: requestID,
		Payload:   res,
	})
	if err != nil {
		return nil, err
	}

	var ack wire.CallbackResponse
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &ack, nil
}

// RuntimePing signals that the editor runtime on a thread is alive.
// A suspended job waiting on a reboot resumes from this signal.
func (c *Client) RuntimePing(ctx context.Context, threadID string) (*wire.RuntimePingResponse, error) {
	resp, err := c.request(ctx, wire.MethodRuntimePing, wire.RuntimePingRequest{ThreadID: threadID})
	if err != nil {
		return nil, err
	}

	var ack wire.RuntimePingResponse
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &ack, nil
}

// PullQuery claims the oldest pending query, optionally filtered by
// accepted types. Returns (nil, nil) when no query is pending.
func (c *Client) PullQuery(ctx context.Context, acceptedTypes []string) (*query.Query, error) {
	resp, err := c.request(ctx, wire.MethodQueryPull, wire.QueryPullRequest{AcceptedQueryTypes: acceptedTypes})
	if err != nil {
		return nil, err
	}

	var pull wire.QueryPullResponse
	if err := json.Unmarshal(resp.Data, &pull); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !pull.Pending {
		return nil, nil
	}
	return pull.Query, nil
}

// ReportQuery resolves a pulled query with its result.
func (c *Client) ReportQuery(ctx context.Context, queryID string, result json.RawMessage) (*wire.QueryReportResponse, error) {
	return c.reportQuery(ctx, wire.QueryReportRequest{QueryID: queryID, Result: result})
}

// ReportQueryError resolves a pulled query with a failure.
func (c *Client) ReportQueryError(ctx context.Context, queryID string, code unitybridge.Code, message string) (*wire.QueryReportResponse, error) {
	failed := false
	return c.reportQuery(ctx, wire.QueryReportRequest{
		QueryID:      queryID,
		Success:      &failed,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

func (c *Client) reportQuery(ctx context.Context, req wire.QueryReportRequest) (*wire.QueryReportResponse, error) {
	resp, err := c.request(ctx, wire.MethodQueryReport, req)
	if err != nil {
		return nil, err
	}

	var ack wire.QueryReportResponse
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &ack, nil
}
