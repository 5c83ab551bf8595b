package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/outbox/payloads"
)

// PayloadEnvelope is the stable payload structure stored in side_effect_intents.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// DecodeSideEffect unwraps a stored payload into its envelope and side effect data.
func DecodeSideEffect(raw []byte) (PayloadEnvelope, payloads.SideEffect, error) {
	var env PayloadEnvelope
	var data payloads.SideEffect
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, data, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != payloads.SideEffectPayloadVersion {
		return env, data, fmt.Errorf("unsupported payload version %d", env.Version)
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return env, data, fmt.Errorf("decode side effect: %w", err)
	}
	return env, data, nil
}
