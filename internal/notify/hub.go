// Package notify pushes job and workflow progress to connected observers.
// Delivery is one-way and best effort: nothing here can slow down a runner.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/policy"
)

const (
	TypeProcessingProgress   = "processing_progress"
	TypeDocumentUpdate       = "document_update"
	TypeWorkflowProgress     = "workflow_progress"
	TypeWorkflowNotification = "workflow_notification"
)

var (
	ErrBufferFull = errors.New("connection send buffer full")
	ErrClosed     = errors.New("connection closed")
)

// Conn is one observer's outbound side. Send must not block.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Envelope is a message routed by the hub. A non-nil DocumentID limits
// delivery to subscribers of that document.
type Envelope struct {
	Type       string         `json:"type"`
	DocumentID *int64         `json:"document_id,omitempty"`
	Body       map[string]any `json:"body"`
}

// Publisher forwards envelopes to other processes.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// Notifier is what the runners depend on.
type Notifier interface {
	NotifyProgress(jobID string, progress float64, status string)
	NotifyDocumentUpdate(documentID int64, data map[string]any)
	NotifyWorkflowProgress(workflowID int64, stepID string, stepIndex, totalSteps int, status string)
	NotifyWorkflowNotification(workflowID int64, documentID *int64, channel, message string)
}

type client struct {
	id            string
	conn          Conn
	connectedAt   time.Time
	lastActivity  time.Time
	subscriptions map[int64]struct{}
}

type ConnectionInfo struct {
	ClientID      string    `json:"client_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Subscriptions []string  `json:"subscriptions"`
}

type ConnectionsSnapshot struct {
	TotalConnections int              `json:"total_connections"`
	Connections      []ConnectionInfo `json:"connections"`
}

// Hub is the registry of live observers. Construct one per process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	relay        Publisher
	relayQueue   chan Envelope
	relayTimeout time.Duration
	relayDropped atomic.Int64
	logger       *zap.SugaredLogger
	now          func() time.Time
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const (
	relayQueueSize      = 256
	relayPublishTimeout = 2 * time.Second
)

// SetRelay makes every published envelope also go to relay. Envelopes are
// queued and handed over by RunRelay; when the queue is full they are dropped.
func (h *Hub) SetRelay(relay Publisher) {
	h.mu.Lock()
	h.relay = relay
	h.relayQueue = make(chan Envelope, relayQueueSize)
	if h.relayTimeout <= 0 {
		h.relayTimeout = relayPublishTimeout
	}
	h.mu.Unlock()
}

// RunRelay forwards queued envelopes to the relay until ctx is done.
func (h *Hub) RunRelay(ctx context.Context) {
	h.mu.RLock()
	relay, queue, timeout := h.relay, h.relayQueue, h.relayTimeout
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-queue:
			publishCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := relay.Publish(publishCtx, envelope); err != nil {
				h.logger.Warnw("relay publish failed", "type", envelope.Type, "error", err)
			}
			cancel()
		}
	}
}

// RelayDropped counts envelopes dropped because the relay queue was full.
func (h *Hub) RelayDropped() int64 {
	return h.relayDropped.Load()
}

// Connect registers conn under clientID. A previous connection with the same
// id is replaced and closed.
func (h *Hub) Connect(clientID string, conn Conn) {
	now := h.now()
	h.mu.Lock()
	previous := h.clients[clientID]
	h.clients[clientID] = &client{
		id:            clientID,
		conn:          conn,
		connectedAt:   now,
		lastActivity:  now,
		subscriptions: make(map[int64]struct{}),
	}
	h.mu.Unlock()

	if previous != nil && previous.conn != conn {
		_ = previous.conn.Close()
	}
	h.logger.Infow("client connected", "client_id", clientID, "replaced", previous != nil)
}

// Disconnect removes clientID. Absent ids are ignored.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	existing, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		_ = existing.conn.Close()
		h.logger.Infow("client disconnected", "client_id", clientID)
	}
}

// Release disconnects clientID only while conn is still its registration, so
// a replaced connection shutting down cannot evict its successor.
func (h *Hub) Release(clientID string, conn Conn) {
	h.mu.Lock()
	existing, ok := h.clients[clientID]
	if ok && existing.conn == conn {
		delete(h.clients, clientID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		_ = conn.Close()
		h.logger.Infow("client disconnected", "client_id", clientID)
	}
}

func (h *Hub) Subscribe(clientID string, documentID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	existing, ok := h.clients[clientID]
	if !ok {
		return false
	}
	existing.subscriptions[documentID] = struct{}{}
	existing.lastActivity = h.now()
	return true
}

func (h *Hub) Unsubscribe(clientID string, documentID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	existing, ok := h.clients[clientID]
	if !ok {
		return false
	}
	delete(existing.subscriptions, documentID)
	existing.lastActivity = h.now()
	return true
}

// Touch records inbound activity from clientID.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	if existing, ok := h.clients[clientID]; ok {
		existing.lastActivity = h.now()
	}
	h.mu.Unlock()
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ConnectionInfo() ConnectionsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connections := make([]ConnectionInfo, 0, len(h.clients))
	for _, existing := range h.clients {
		subscriptions := make([]int64, 0, len(existing.subscriptions))
		for documentID := range existing.subscriptions {
			subscriptions = append(subscriptions, documentID)
		}
		sort.Slice(subscriptions, func(i, j int) bool { return subscriptions[i] < subscriptions[j] })

		labels := make([]string, 0, len(subscriptions))
		for _, documentID := range subscriptions {
			labels = append(labels, fmt.Sprintf("document:%d", documentID))
		}
		connections = append(connections, ConnectionInfo{
			ClientID:      existing.id,
			ConnectedAt:   existing.connectedAt,
			LastActivity:  existing.lastActivity,
			Subscriptions: labels,
		})
	}
	sort.Slice(connections, func(i, j int) bool { return connections[i].ClientID < connections[j].ClientID })

	return ConnectionsSnapshot{TotalConnections: len(connections), Connections: connections}
}

func (h *Hub) NotifyProgress(jobID string, progress float64, status string) {
	h.publish(Envelope{
		Type: TypeProcessingProgress,
		Body: map[string]any{
			"job_id":   jobID,
			"progress": progress,
			"status":   status,
		},
	})
}

func (h *Hub) NotifyDocumentUpdate(documentID int64, data map[string]any) {
	h.publish(Envelope{
		Type:       TypeDocumentUpdate,
		DocumentID: &documentID,
		Body: map[string]any{
			"document_id": documentID,
			"data":        policy.MaskPIIMap(data),
		},
	})
}

func (h *Hub) NotifyWorkflowProgress(workflowID int64, stepID string, stepIndex, totalSteps int, status string) {
	progress := 100.0
	if totalSteps > 0 {
		progress = float64(stepIndex) / float64(totalSteps) * 100
	}
	h.publish(Envelope{
		Type: TypeWorkflowProgress,
		Body: map[string]any{
			"workflow_id": workflowID,
			"step_id":     stepID,
			"step_index":  stepIndex,
			"total_steps": totalSteps,
			"progress":    progress,
			"status":      status,
		},
	})
}

// NotifyWorkflowNotification goes to subscribers of documentID, or to every
// observer when documentID is nil.
func (h *Hub) NotifyWorkflowNotification(workflowID int64, documentID *int64, channel, message string) {
	body := map[string]any{
		"workflow_id": workflowID,
		"channel":     channel,
		"message":     policy.MaskPIIString(message),
	}
	if documentID != nil {
		body["document_id"] = *documentID
	}
	h.publish(Envelope{Type: TypeWorkflowNotification, DocumentID: documentID, Body: body})
}

func (h *Hub) publish(envelope Envelope) {
	envelope.Body["timestamp"] = h.now().Format(time.RFC3339Nano)
	h.Deliver(envelope)

	h.mu.RLock()
	queue := h.relayQueue
	h.mu.RUnlock()
	if queue == nil {
		return
	}
	select {
	case queue <- envelope:
	default:
		h.relayDropped.Add(1)
		h.logger.Warnw("relay queue full, dropping notification", "type", envelope.Type)
	}
}

// Deliver sends envelope to local observers only. A failed send disconnects
// that observer and does not affect the others.
func (h *Hub) Deliver(envelope Envelope) {
	message := make(map[string]any, len(envelope.Body)+2)
	for key, value := range envelope.Body {
		message[key] = value
	}
	message["type"] = envelope.Type
	if _, ok := message["timestamp"]; !ok {
		message["timestamp"] = h.now().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Errorw("encode notification failed", "type", envelope.Type, "error", err)
		return
	}

	type target struct {
		id   string
		conn Conn
	}
	now := h.now()
	h.mu.Lock()
	targets := make([]target, 0, len(h.clients))
	for _, existing := range h.clients {
		if envelope.DocumentID != nil {
			if _, subscribed := existing.subscriptions[*envelope.DocumentID]; !subscribed {
				continue
			}
		}
		existing.lastActivity = now
		targets = append(targets, target{id: existing.id, conn: existing.conn})
	}
	h.mu.Unlock()

	for _, item := range targets {
		if err := item.conn.Send(payload); err != nil {
			h.logger.Warnw("notification send failed", "client_id", item.id, "type", envelope.Type, "error", err)
			h.Release(item.id, item.conn)
		}
	}
}
