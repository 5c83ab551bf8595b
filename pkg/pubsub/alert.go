package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is the operational message published when a side effect is abandoned.
type Alert struct {
	Kind      string         `json:"kind"`
	IntentID  string         `json:"intent_id"`
	EventID   string         `json:"event_id"`
	Reason    string         `json:"reason"`
	Message   string         `json:"message,omitempty"`
	Attempts  int            `json:"attempts"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  Severity       `json:"severity"`
	Timestamp string         `json:"timestamp"`
}

// attributes are what subscribers filter on without decoding the body.
func (a Alert) attributes() map[string]string {
	attrs := map[string]string{
		"kind":     a.Kind,
		"severity": string(a.Severity),
		"reason":   a.Reason,
		"attempts": strconv.Itoa(a.Attempts),
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	return attrs
}

func (a Alert) encode() ([]byte, error) {
	if a.Kind == "" {
		return nil, fmt.Errorf("alert kind is required")
	}
	if a.Severity == "" {
		a.Severity = SeverityError
	}
	return json.Marshal(a)
}
