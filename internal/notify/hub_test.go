package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []map[string]any
	fail     bool
	closed   bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrBufferFull
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	c.messages = append(c.messages, decoded)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.messages...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestNotifyProgressBroadcastsToEveryClient(t *testing.T) {
	hub := NewHub(nil)
	first, second := &fakeConn{}, &fakeConn{}
	hub.Connect("a", first)
	hub.Connect("b", second)

	hub.NotifyProgress("job-1", 40, "running")

	for _, conn := range []*fakeConn{first, second} {
		messages := conn.received()
		require.Len(t, messages, 1)
		assert.Equal(t, TypeProcessingProgress, messages[0]["type"])
		assert.Equal(t, "job-1", messages[0]["job_id"])
		assert.Equal(t, 40.0, messages[0]["progress"])
		assert.Equal(t, "running", messages[0]["status"])
		assert.NotEmpty(t, messages[0]["timestamp"])
	}
}

func TestFailedSendDisconnectsOnlyThatClient(t *testing.T) {
	hub := NewHub(nil)
	healthy, broken := &fakeConn{}, &fakeConn{fail: true}
	hub.Connect("healthy", healthy)
	hub.Connect("broken", broken)

	hub.NotifyProgress("job-1", 10, "running")
	hub.NotifyProgress("job-1", 20, "running")

	assert.Len(t, healthy.received(), 2)
	assert.True(t, broken.isClosed())
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestDocumentUpdatesReachSubscribersOnly(t *testing.T) {
	hub := NewHub(nil)
	subscriber, other := &fakeConn{}, &fakeConn{}
	hub.Connect("subscriber", subscriber)
	hub.Connect("other", other)

	require.True(t, hub.Subscribe("subscriber", 7))
	assert.False(t, hub.Subscribe("missing", 7))

	hub.NotifyDocumentUpdate(7, map[string]any{"status": "completed", "contact": "ops@example.com"})
	hub.NotifyDocumentUpdate(8, map[string]any{"status": "completed"})

	messages := subscriber.received()
	require.Len(t, messages, 1)
	assert.Equal(t, TypeDocumentUpdate, messages[0]["type"])
	assert.Equal(t, 7.0, messages[0]["document_id"])
	data := messages[0]["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.NotContains(t, data["contact"], "ops@example.com")
	assert.Empty(t, other.received())

	hub.Unsubscribe("subscriber", 7)
	hub.NotifyDocumentUpdate(7, map[string]any{"status": "failed"})
	assert.Len(t, subscriber.received(), 1)
}

func TestConnectReplacesPreviousRegistration(t *testing.T) {
	hub := NewHub(nil)
	old, replacement := &fakeConn{}, &fakeConn{}
	hub.Connect("client", old)
	hub.Subscribe("client", 3)
	hub.Connect("client", replacement)

	assert.True(t, old.isClosed())
	assert.Equal(t, 1, hub.ConnectionCount())

	// The old connection shutting down must not evict the new one.
	hub.Release("client", old)
	assert.Equal(t, 1, hub.ConnectionCount())

	info := hub.ConnectionInfo()
	require.Len(t, info.Connections, 1)
	assert.Empty(t, info.Connections[0].Subscriptions)

	hub.Disconnect("client")
	hub.Disconnect("client")
	assert.Zero(t, hub.ConnectionCount())
}

func TestConnectionInfoListsSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	hub.Connect("b", &fakeConn{})
	hub.Connect("a", &fakeConn{})
	hub.Subscribe("a", 12)
	hub.Subscribe("a", 3)

	info := hub.ConnectionInfo()
	assert.Equal(t, 2, info.TotalConnections)
	assert.Equal(t, "a", info.Connections[0].ClientID)
	assert.Equal(t, []string{"document:3", "document:12"}, info.Connections[0].Subscriptions)
	assert.False(t, info.Connections[0].ConnectedAt.IsZero())
}

func TestWorkflowNotificationScope(t *testing.T) {
	hub := NewHub(nil)
	subscriber, other := &fakeConn{}, &fakeConn{}
	hub.Connect("subscriber", subscriber)
	hub.Connect("other", other)
	hub.Subscribe("subscriber", 5)

	documentID := int64(5)
	hub.NotifyWorkflowNotification(1, &documentID, "email", "done")
	assert.Len(t, subscriber.received(), 1)
	assert.Empty(t, other.received())

	hub.NotifyWorkflowNotification(1, nil, "slack", "all done")
	assert.Len(t, subscriber.received(), 2)
	require.Len(t, other.received(), 1)
	assert.Equal(t, TypeWorkflowNotification, other.received()[0]["type"])

	hub.NotifyWorkflowProgress(1, "notify", 1, 2, "running")
	progress := other.received()[1]
	assert.Equal(t, TypeWorkflowProgress, progress["type"])
	assert.Equal(t, 50.0, progress["progress"])
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, envelope Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func (p *recordingPublisher) published() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.envelopes...)
}

type stalledPublisher struct {
	calls atomic.Int64
}

func (p *stalledPublisher) Publish(ctx context.Context, _ Envelope) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledRelayDoesNotBlockNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := &stalledPublisher{}
	hub := NewHub(nil)
	hub.relayTimeout = time.Minute
	hub.SetRelay(publisher)
	go hub.RunRelay(ctx)

	conn := &fakeConn{}
	hub.Connect("dashboard", conn)

	notifications := relayQueueSize + 50
	start := time.Now()
	for i := 0; i < notifications; i++ {
		hub.NotifyProgress("job-1", float64(i%100), "running")
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Len(t, conn.received(), notifications)
	require.Eventually(t, func() bool { return publisher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, hub.RelayDropped(), int64(49))
}

func TestRelayForwardsAndFiltersOwnMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := &recordingPublisher{}
	hub := NewHub(nil)
	hub.SetRelay(publisher)
	go hub.RunRelay(ctx)
	hub.NotifyProgress("job-9", 100, "completed")
	require.Eventually(t, func() bool { return len(publisher.published()) == 1 }, time.Second, 5*time.Millisecond)
	envelopes := publisher.published()
	assert.Equal(t, TypeProcessingProgress, envelopes[0].Type)

	remote := NewHub(nil)
	conn := &fakeConn{}
	remote.Connect("api-client", conn)
	relay := NewRedisRelay(nil, "", remote, nil)

	foreign, err := json.Marshal(relayMessage{Origin: "other-process", Envelope: envelopes[0]})
	require.NoError(t, err)
	relay.handle(string(foreign))

	own, err := json.Marshal(relayMessage{Origin: relay.origin, Envelope: envelopes[0]})
	require.NoError(t, err)
	relay.handle(string(own))
	relay.handle("not json")

	messages := conn.received()
	require.Len(t, messages, 1)
	assert.Equal(t, "job-9", messages[0]["job_id"])
}
