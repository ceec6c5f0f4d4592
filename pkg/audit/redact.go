package audit

import (
	"encoding/json"

	"uapk/pkg/models"
)

// redactAction replaces the free-form parameter payload with its
// canonical hash, keeping only the fields decisions key on. Enabled
// for deployments that must not retain raw action parameters at rest.
func redactAction(a models.Action) json.RawMessage {
	redacted := map[string]interface{}{
		"type": a.Type,
		"tool": a.Tool,
	}
	if len(a.Params) > 0 {
		if canon, err := models.CanonicalizeJSON(a.Params); err == nil {
			redacted["params_hash"] = models.HashBytes(canon)
		} else {
			redacted["params_hash"] = models.HashBytes(a.Params)
		}
	}
	if a.Amount != 0 {
		redacted["amount"] = a.Amount
		redacted["currency"] = a.Currency
	}
	b, _ := json.Marshal(redacted)
	return b
}
