// Package stream fans gateway decision and approval events out to
// connected websocket clients. Delivery is best-effort: a slow client
// loses events rather than stalling the decision path.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"uapk/pkg/eventbus"
)

const (
	TypeReady    = "ready"
	TypeDecision = "decision"
	TypeApproval = "approval"
)

type Event struct {
	Type  string          `json:"type"`
	OrgID string          `json:"org_id,omitempty"`
	At    string          `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ready is the handshake event sent when a client connects.
func Ready() Event {
	return Event{Type: TypeReady, At: stamp()}
}

// Decision wraps the same payload the event bus mirrors, so websocket
// consumers and Kafka consumers see one shape.
func Decision(evt eventbus.DecisionEvent) Event {
	b, _ := json.Marshal(evt)
	return Event{Type: TypeDecision, OrgID: evt.OrgID, At: stamp(), Data: b}
}

// Approval announces an approval state change.
func Approval(orgID, approvalID, status string) Event {
	b, _ := json.Marshal(map[string]string{
		"approval_id": approvalID,
		"status":      status,
	})
	return Event{Type: TypeApproval, OrgID: orgID, At: stamp(), Data: b}
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Hub routes events to subscribers. A subscriber registers with an org
// filter; the empty filter is the firehose and sees every org.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

func (h *Hub) Subscribe(orgID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = orgID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber whose org filter matches.
// Events without an org (such as ready) reach everyone. A full buffer
// drops the event for that subscriber.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, org := range h.subs {
		if org != "" && evt.OrgID != "" && org != evt.OrgID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}
