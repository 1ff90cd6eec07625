package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/unitybridge/backoff"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/wire"
)

// SubmitTask submits a task to the remote bridge.
func (c *Client) SubmitTask(ctx context.Context, req gateway.SubmitRequest) (*gateway.SubmitResponse, error) {
	resp, err := c.request(ctx, wire.MethodTaskSubmit, req)
	if err != nil {
		return nil, err
	}

	var result gateway.SubmitResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// TaskStatus polls the status of a task by job ID.
func (c *Client) TaskStatus(ctx context.Context, jobID string) (*gateway.StatusPayload, error) {
	resp, err := c.request(ctx, wire.MethodTaskStatus, wire.TaskStatusRequest{JobID: jobID})
	if err != nil {
		return nil, err
	}

	var payload gateway.StatusPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &payload, nil
}

// CancelTask cancels a task by job ID.
func (c *Client) CancelTask(ctx context.Context, jobID string) (*gateway.StatusPayload, error) {
	resp, err := c.request(ctx, wire.MethodTaskCancel, wire.TaskCancelRequest{JobID: jobID})
	if err != nil {
		return nil, err
	}

	var payload gateway.StatusPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &payload, nil
}

// Heartbeat refreshes the lease on the caller's jobs.
func (c *Client) Heartbeat(ctx context.Context, req gateway.HeartbeatRequest) (*gateway.HeartbeatResponse, error) {
	resp, err := c.request(ctx, wire.MethodHeartbeat, req)
	if err != nil {
		return nil, err
	}

	var result gateway.HeartbeatResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// WaitForTerminal polls task status until the job reaches a terminal
// state. The strategy paces the polling; nil uses a 500ms constant.
// Each poll also refreshes the job's lease, so a waiting caller never
// trips the heartbeat timeout.
func (c *Client) WaitForTerminal(ctx context.Context, jobID string, strategy backoff.Strategy) (*gateway.StatusPayload, error) {
	if strategy == nil {
		strategy = backoff.NewConstant(500 * time.Millisecond)
	}

	for attempt := 1; ; attempt++ {
		payload, err := c.TaskStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch payload.Status {
		case "succeeded", "failed", "cancelled":
			return payload, nil
		}

		if err := backoff.Sleep(ctx, strategy, attempt); err != nil {
			return nil, err
		}
	}
}
