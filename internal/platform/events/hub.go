// Package events pushes live OPD updates to connected dashboards over
// WebSockets. Clients subscribe to topics (a hospital's appointment
// feed, a doctor's daily queue) and receive every change broadcast to
// those topics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topic helpers. Dashboards subscribe with these strings.

// AppointmentsTopic is the live feed of a hospital's appointment
// lifecycle changes.
func AppointmentsTopic(hospitalID string) string {
	return fmt.Sprintf("appointments:%s", hospitalID)
}

// QueueTopic is the live feed of a doctor's queue for one clinic day.
func QueueTopic(doctorID, date string) string {
	return fmt.Sprintf("queue:%s:%s", doctorID, date)
}

// Event is a single update pushed to subscribers.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event, marshaling payload into Data. A payload
// that fails to marshal leaves Data empty.
func NewEvent(eventType, topic, resource, resourceID string, payload interface{}) Event {
	e := Event{
		Type:       eventType,
		Topic:      topic,
		Resource:   resource,
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Data = data
		}
	}
	return e
}

// ClientMessage is an inbound subscription command from a client.
type ClientMessage struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// Publisher is the interface domain adapters publish through.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected dashboard.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		byTopic: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addSubscriber(topic, client)
	}
}

// Unregister removes a client from all topics and closes its Send
// channel. Safe to call for an already removed client.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, topic := range client.Topics {
		h.dropSubscriber(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.addSubscriber(topic, client)
	}
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		h.dropSubscriber(topic, client)
		removed[topic] = struct{}{}
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := removed[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addSubscriber(topic string, client *Client) {
	if h.byTopic[topic] == nil {
		h.byTopic[topic] = make(map[*Client]struct{})
	}
	h.byTopic[topic][client] = struct{}{}
}

func (h *Hub) dropSubscriber(topic string, client *Client) {
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// ProcessMessage dispatches an inbound client command.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to every subscriber of its topic. A client
// with a full send buffer is skipped rather than blocked on.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", event.Topic).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.byTopic[event.Topic] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}
