package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

// Hub fans published events out to connected clients by topic. Clients
// whose send buffer is full miss the event; the next snapshot on the
// same topic carries the full queue state, so nothing stays stale.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type eventEnvelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics = make(map[string]struct{})
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		client.topics[topic] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(topics) == 0 {
		client.topics = make(map[string]struct{})
		return
	}
	for _, topic := range topics {
		delete(client.topics, topic)
	}
}

// Publish satisfies the broadcaster contract of the queue engine: it
// never blocks the caller, whatever the state of the clients.
func (h *Hub) Publish(topic string, message interface{}) {
	payload, err := json.Marshal(eventEnvelope{
		Topic:     topic,
		Payload:   message,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("hub marshal error topic=%s err=%v", topic, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.topics[topic]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s topic=%s", client.ID, topic)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
