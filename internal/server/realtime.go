package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/relay"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventMessagesAvailable = "messages-available"
	realtimeEventReady             = "ready"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "todoschedule-backend"
)

// RealtimeMessage is delivered to every stream a user has open.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Notice    relay.ChangeNotice
	Timestamp time.Time
}

type realtimeEventPayload struct {
	Source         string `json:"source"`
	BatchID        string `json:"batchId,omitempty"`
	OriginDeviceID string `json:"originDeviceId,omitempty"`
	EntityType     string `json:"entityType,omitempty"`
	HighestHLC     int64  `json:"highestHlcTimestamp,omitempty"`
	Count          int    `json:"count,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to per-user subscribers. Slow subscribers
// drop messages instead of blocking publishers; clients catch up with a fetch.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyMessages implements relay.ChangeNotifier.
func (d *RealtimeDispatcher) NotifyMessages(userID string, notice relay.ChangeNotice) {
	d.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventMessagesAvailable,
		Notice:    notice,
		Timestamp: d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) subscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

// handleStream serves server-sent events until the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventReady, h.eventPayload(RealtimeMessage{Timestamp: time.Now().UTC()}))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, h.eventPayload(message))
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, h.eventPayload(RealtimeMessage{Timestamp: tick.UTC()}))
			return true
		}
	})
}

func (h *httpHandler) eventPayload(message RealtimeMessage) realtimeEventPayload {
	return realtimeEventPayload{
		Source:         realtimeSourceBackend,
		BatchID:        message.Notice.BatchID,
		OriginDeviceID: message.Notice.OriginDeviceID,
		EntityType:     message.Notice.EntityType,
		HighestHLC:     message.Notice.HighestHLC,
		Count:          message.Notice.Count,
		Timestamp:      message.Timestamp.Format(time.RFC3339Nano),
	}
}
