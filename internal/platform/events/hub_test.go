package events

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(topics ...string) *Client {
	return &Client{
		ID:     "test-client",
		Topics: topics,
		Send:   make(chan []byte, 4),
	}
}

func TestTopics(t *testing.T) {
	if got := AppointmentsTopic("hosp-1"); got != "appointments:hosp-1" {
		t.Errorf("unexpected appointments topic: %s", got)
	}
	if got := QueueTopic("doc-1", "2025-03-10"); got != "queue:doc-1:2025-03-10" {
		t.Errorf("unexpected queue topic: %s", got)
	}
}

func TestBroadcast_ReachesTopicSubscribersOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	queueClient := newTestClient(QueueTopic("doc-1", "2025-03-10"))
	otherClient := newTestClient(QueueTopic("doc-2", "2025-03-10"))
	hub.Register(queueClient)
	hub.Register(otherClient)

	hub.Broadcast(NewEvent("queue.called", QueueTopic("doc-1", "2025-03-10"), "queue_entry", "e1", nil))

	select {
	case raw := <-queueClient.Send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("broadcast payload not JSON: %v", err)
		}
		if ev.Type != "queue.called" || ev.ResourceID != "e1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case <-otherClient.Send:
		t.Fatal("event leaked to another doctor's queue feed")
	default:
	}
}

func TestBroadcast_SkipsFullBuffers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	topic := AppointmentsTopic("hosp-1")
	slow := &Client{ID: "slow", Topics: []string{topic}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	// Fill the buffer, then broadcast twice more; neither may block.
	hub.Broadcast(NewEvent("appointment.booked", topic, "appointment", "a1", nil))
	hub.Broadcast(NewEvent("appointment.booked", topic, "appointment", "a2", nil))
	hub.Broadcast(NewEvent("appointment.booked", topic, "appointment", "a3", nil))

	if len(slow.Send) != 1 {
		t.Errorf("expected exactly the buffered event, got %d", len(slow.Send))
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	topic := AppointmentsTopic("hosp-1")

	client := newTestClient()
	hub.Register(client)
	if hub.TopicCount(topic) != 0 {
		t.Fatal("fresh client must not be subscribed")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{topic}})
	if hub.TopicCount(topic) != 1 {
		t.Error("subscribe did not take")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{topic}})
	if hub.TopicCount(topic) != 0 {
		t.Error("unsubscribe did not take")
	}
	if len(client.Topics) != 0 {
		t.Errorf("client topic list not pruned: %v", client.Topics)
	}
}

func TestUnregister_ClosesSendAndIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	topic := QueueTopic("doc-1", "2025-03-10")

	client := newTestClient(topic)
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(topic) != 0 {
		t.Error("unregister must drop the client everywhere")
	}
	if _, open := <-client.Send; open {
		t.Error("send channel must be closed")
	}

	// A second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestNewEvent_MarshalsPayload(t *testing.T) {
	payload := map[string]string{"token": "9A-01"}
	ev := NewEvent("queue.called", "queue:d:2025-03-10", "queue_entry", "e1", payload)

	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp set")
	}
	var decoded map[string]string
	if err := json.Unmarshal(ev.Data, &decoded); err != nil {
		t.Fatalf("payload did not marshal: %v", err)
	}
	if decoded["token"] != "9A-01" {
		t.Errorf("unexpected payload: %v", decoded)
	}
}
