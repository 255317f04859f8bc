package hub

import (
	"encoding/json"
	"testing"
)

func recvJSON(t *testing.T, client *Client) eventEnvelope {
	t.Helper()
	select {
	case raw := <-client.Send:
		var env eventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	default:
		t.Fatal("no message queued")
	}
	return eventEnvelope{}
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	h := New()

	subscriber := &Client{ID: "a", Send: make(chan []byte, 4)}
	other := &Client{ID: "b", Send: make(chan []byte, 4)}
	h.Register(subscriber)
	h.Register(other)
	h.Subscribe(subscriber, []string{"slot:1"})
	h.Subscribe(other, []string{"slot:2"})

	h.Publish("slot:1", map[string]int{"current_token": 3})

	env := recvJSON(t, subscriber)
	if env.Topic != "slot:1" {
		t.Fatalf("topic = %s, want slot:1", env.Topic)
	}
	select {
	case <-other.Send:
		t.Fatal("unsubscribed client received message")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	client := &Client{ID: "a", Send: make(chan []byte, 4)}
	h.Register(client)
	h.Subscribe(client, []string{"slot:1", "queue:events"})

	h.Unsubscribe(client, []string{"slot:1"})
	h.Publish("slot:1", "x")
	select {
	case <-client.Send:
		t.Fatal("received after unsubscribe")
	default:
	}

	// The remaining topic still delivers.
	h.Publish("queue:events", "y")
	env := recvJSON(t, client)
	if env.Topic != "queue:events" {
		t.Fatalf("topic = %s, want queue:events", env.Topic)
	}

	// Empty topic list clears everything.
	h.Unsubscribe(client, nil)
	h.Publish("queue:events", "z")
	select {
	case <-client.Send:
		t.Fatal("received after full unsubscribe")
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	h := New()
	client := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Subscribe(client, []string{"slot:1"})

	h.Publish("slot:1", 1)
	// Buffer is full now; this publish must not block.
	h.Publish("slot:1", 2)

	env := recvJSON(t, client)
	if env.Topic != "slot:1" {
		t.Fatalf("topic = %s", env.Topic)
	}
	select {
	case <-client.Send:
		t.Fatal("second message should have been dropped")
	default:
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New()
	client := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)

	if _, ok := <-client.Send; ok {
		t.Fatal("send channel still open")
	}
	// A second unregister is a no-op, not a double close.
	h.Unregister(client)
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"subscribe", `{"action":"subscribe","topics":["slot:1"]}`, true},
		{"unsubscribe", `{"action":"unsubscribe"}`, true},
		{"unknown action", `{"action":"ping"}`, false},
		{"not json", `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseSubscribe([]byte(tt.data))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}
