package audit

import (
	"encoding/json"
	"time"

	"uapk/pkg/models"
)

// Genesis is the prev_hash of the first record in every org's chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one append-only audit entry. Each record links to its
// predecessor in the same org's chain through prev_hash, and carries an
// Ed25519 signature over record_hash by the gateway key.
type Record struct {
	InteractionID string                `json:"interaction_id"`
	OrgID         string                `json:"org_id"`
	UAPKID        string                `json:"uapk_id"`
	AgentID       string                `json:"agent_id"`
	Action        json.RawMessage       `json:"action"`
	Decision      string                `json:"decision"`
	Reasons       []models.ReasonDetail `json:"reasons"`
	Result        json.RawMessage       `json:"result,omitempty"`
	Seq           int64                 `json:"seq"`
	CreatedAt     time.Time             `json:"created_at"`
	PrevHash      string                `json:"prev_hash"`
	RecordHash    string                `json:"record_hash"`
	Signature     string                `json:"signature"`
}

// hashPayload is the record without its own hash and signature; the
// stored record_hash must be reproducible from these fields alone.
type hashPayload struct {
	InteractionID string                `json:"interaction_id"`
	OrgID         string                `json:"org_id"`
	UAPKID        string                `json:"uapk_id"`
	AgentID       string                `json:"agent_id"`
	Action        json.RawMessage       `json:"action"`
	Decision      string                `json:"decision"`
	Reasons       []models.ReasonDetail `json:"reasons"`
	Result        json.RawMessage       `json:"result,omitempty"`
	Seq           int64                 `json:"seq"`
	CreatedAt     string                `json:"created_at"`
	PrevHash      string                `json:"prev_hash"`
}

// ComputeHash returns the canonical hash over all record fields
// including prev_hash. Timestamps hash as RFC 3339 with microsecond
// precision, matching what the database preserves.
func (r *Record) ComputeHash() (string, error) {
	payload := hashPayload{
		InteractionID: r.InteractionID,
		OrgID:         r.OrgID,
		UAPKID:        r.UAPKID,
		AgentID:       r.AgentID,
		Action:        r.Action,
		Decision:      r.Decision,
		Reasons:       r.Reasons,
		Result:        r.Result,
		Seq:           r.Seq,
		CreatedAt:     r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
		PrevHash:      r.PrevHash,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return models.HashBytes(canon), nil
}
