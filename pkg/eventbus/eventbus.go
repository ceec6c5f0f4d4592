package eventbus

import (
	"context"
	"time"
)

// DecisionEvent mirrors one gateway decision onto the bus. Downstream
// consumers (SIEM forwarders, billing, compliance mirrors) get the
// audit-relevant fields without the full action payload.
type DecisionEvent struct {
	InteractionID string    `json:"interaction_id"`
	OrgID         string    `json:"org_id"`
	UAPKID        string    `json:"uapk_id"`
	AgentID       string    `json:"agent_id"`
	ActionType    string    `json:"action_type"`
	Tool          string    `json:"tool,omitempty"`
	Decision      string    `json:"decision"`
	Reasons       []string  `json:"reasons,omitempty"`
	Seq           int64     `json:"seq"`
	RecordHash    string    `json:"record_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

type Message struct {
	Key   []byte
	Value []byte
}

// Publisher emits decision events. Publishing is best-effort from the
// gateway's point of view: the audit chain is the source of truth and a
// bus outage must not block decisions.
type Publisher interface {
	Publish(ctx context.Context, evt DecisionEvent) error
	Close() error
}

// Consumer reads raw mirrored messages, for replication workers.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// NopPublisher discards events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, evt DecisionEvent) error { return nil }
func (NopPublisher) Close() error                                         { return nil }
