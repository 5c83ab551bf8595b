package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/pubsub"
)

const alertKindSideEffectDead = "side_effect_dead"

// Alerter notifies operators that an intent was abandoned.
type Alerter interface {
	Alert(ctx context.Context, alert pubsub.Alert) error
}

type alertPublisher interface {
	PublishAlert(ctx context.Context, alert pubsub.Alert) (string, error)
}

// PubSubAlerter publishes alerts to the operational topic.
type PubSubAlerter struct {
	Publisher alertPublisher
	Logger    *logger.Logger
}

func (a PubSubAlerter) Alert(ctx context.Context, alert pubsub.Alert) error {
	if a.Publisher == nil {
		return errors.New("alert publisher not configured")
	}
	id, err := a.Publisher.PublishAlert(ctx, alert)
	if err != nil {
		return err
	}
	if a.Logger != nil {
		a.Logger.Info(a.Logger.WithFields(ctx, map[string]any{
			"intent_id":  alert.IntentID,
			"message_id": id,
		}), "side effect alert published")
	}
	return nil
}

// LogAlerter reports alerts as error logs when no topic is configured.
type LogAlerter struct {
	Logger *logger.Logger
}

func (a LogAlerter) Alert(ctx context.Context, alert pubsub.Alert) error {
	if a.Logger == nil {
		return nil
	}
	logCtx := a.Logger.WithFields(ctx, map[string]any{
		"alert_kind": alert.Kind,
		"intent_id":  alert.IntentID,
		"event_id":   alert.EventID,
		"reason":     alert.Reason,
		"attempts":   alert.Attempts,
		"details":    alert.Details,
	})
	a.Logger.Error(logCtx, "side effect abandoned", errors.New(alert.Message))
	return nil
}

func newAlert(intent models.SideEffectIntent, reason enums.SideEffectDLQReason, err error, attempts int, now time.Time) pubsub.Alert {
	details := map[string]any{"side_effect_kind": string(intent.Kind)}
	if intent.SubscriptionID != nil {
		details["subscription_id"] = intent.SubscriptionID.String()
	}
	return pubsub.Alert{
		Kind:      alertKindSideEffectDead,
		IntentID:  intent.ID.String(),
		EventID:   intent.EventID,
		Reason:    string(reason),
		Message:   err.Error(),
		Attempts:  attempts,
		Details:   details,
		Severity:  pubsub.SeverityError,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// AlerterFromConfig returns a Pub/Sub alerter when an alert topic is configured and
// a LogAlerter otherwise. The returned close func releases the Pub/Sub client.
func AlerterFromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Alerter, func() error, error) {
	if !cfg.PubSub.Enabled() {
		return LogAlerter{Logger: logg}, func() error { return nil }, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, nil, err
	}
	return PubSubAlerter{Publisher: client, Logger: logg}, client.Close, nil
}
