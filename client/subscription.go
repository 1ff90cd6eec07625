package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/unitybridge/stream"
	"github.com/xraph/unitybridge/wire"
)

// Subscribe subscribes to a stream topic and returns a channel of events.
// The channel is closed when the client disconnects or Unsubscribe is called.
//
// Topics follow the bridge stream convention:
//   - "job:<jobID>"       — Events for a specific job
//   - "thread:<threadID>" — Events for every job on a thread
//   - "jobs"              — All job lifecycle events
//   - "queries"           — All query lifecycle events
//   - "firehose"          — Everything
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *stream.Event, error) {
	// Send subscribe request.
	_, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
		Topic: topic,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}

	ch := make(chan *stream.Event, 64)
	c.subs.Store(topic, ch)

	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{
		Topic: topic,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(topic); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}

	return err
}

// WatchJob subscribes to events for a specific job. This is a
// convenience method that subscribes to "job:<jobID>".
func (c *Client) WatchJob(ctx context.Context, jobID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.JobTopic(jobID))
}

// WatchThread subscribes to events for every job on a thread.
func (c *Client) WatchThread(ctx context.Context, threadID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.ThreadTopic(threadID))
}

// Stats retrieves broker and connection statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, wire.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
