package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
)

// Compile-time interface checks.
var (
	_ hook.Extension     = (*Broker)(nil)
	_ hook.JobQueued     = (*Broker)(nil)
	_ hook.JobStarted    = (*Broker)(nil)
	_ hook.JobProgress   = (*Broker)(nil)
	_ hook.JobFinalized  = (*Broker)(nil)
	_ hook.QueryResolved = (*Broker)(nil)
	_ hook.Shutdown      = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the
// hook.Extension interface to receive lifecycle events and fans them
// out to subscribers via topic-based pub/sub. It also answers thread
// liveness questions for the lease janitor: a thread whose topic has a
// connected subscriber still has a live editor on the other end.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hook.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., the wire server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// ThreadLive reports whether an editor is still attached for the given
// thread. A subscriber on the thread's topic or on the firehose counts
// as a live connection.
func (b *Broker) ThreadLive(threadID string) bool {
	if threadID != "" && b.topics.SubscriberCount(ThreadTopic(threadID)) > 0 {
		return true
	}
	return b.topics.SubscriberCount(TopicFirehose) > 0
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to all matching topics. Extra topics
// widen the fanout beyond what resolveTopics derives from the event.
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := resolveTopics(evt, extra...)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// jobEventData flattens the fields subscribers care about. Error detail
// and auto-cancel reason are only set once the job is terminal.
func jobEventData(j *job.Job, elapsed time.Duration) JobEventData {
	return JobEventData{
		JobID:           j.ID.String(),
		ThreadID:        j.ThreadID,
		Status:          string(j.Status),
		Stage:           j.Stage,
		ProgressMessage: j.ProgressMessage,
		ErrorCode:       string(j.ErrorCode),
		ErrorMessage:    j.ErrorMessage,
		AutoCancel:      j.AutoCancelReason,
		ElapsedMs:       elapsed.Milliseconds(),
	}
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobQueued(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobQueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobEventData(j, 0)),
	}, threadTopicFor(j))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobStarted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobEventData(j, 0)),
	}, threadTopicFor(j))
	return nil
}

func (b *Broker) OnJobProgress(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobProgress,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobEventData(j, 0)),
	}, threadTopicFor(j))
	return nil
}

func (b *Broker) OnJobFinalized(_ context.Context, j *job.Job, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventJobFinalized,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobEventData(j, elapsed)),
	}, threadTopicFor(j))
	return nil
}

func threadTopicFor(j *job.Job) string {
	if j.ThreadID == "" {
		return ""
	}
	return ThreadTopic(j.ThreadID)
}

// ── Query lifecycle hooks ───────────────────────────

func (b *Broker) OnQueryResolved(_ context.Context, q *query.Query) error {
	b.publish(&Event{
		Type:      EventQueryResolved,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(QueryEventData{
			QueryID:   q.ID.String(),
			QueryType: q.QueryType,
			Status:    string(q.Status),
			ErrorCode: string(q.ErrorCode),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
