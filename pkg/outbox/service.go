package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	dbtypes "github.com/agencyworks/billing-reconciler/pkg/db/types"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/outbox/payloads"
)

// Intent is a side effect requested by a reconciliation step.
type Intent struct {
	Kind enums.SideEffectKind
	Data payloads.SideEffect
}

// Batch groups the intents produced by one processor event.
type Batch struct {
	EventID        string
	SubscriptionID *uuid.UUID
	OccurredAt     time.Time
	Intents        []Intent
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// DedupeKey is unique per event and kind.
func DedupeKey(eventID string, kind enums.SideEffectKind) string {
	return eventID + ":" + string(kind)
}

// Enqueue persists batch inside tx. It must run in the same transaction that
// records the state change so intents and state commit together.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, batch Batch) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(batch.Intents) == 0 {
		return nil
	}
	if batch.EventID == "" {
		return errors.New("event id required")
	}
	if batch.OccurredAt.IsZero() {
		batch.OccurredAt = time.Now().UTC()
	}
	rows, err := BuildRows(batch)
	if err != nil {
		return err
	}
	inserted, err := s.repo.Insert(tx, rows...)
	if err != nil {
		return err
	}
	if s.logg != nil {
		kinds := make([]string, 0, len(rows))
		for _, row := range rows {
			kinds = append(kinds, string(row.Kind))
		}
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_id": batch.EventID,
			"kinds":    kinds,
			"inserted": inserted,
		})
		s.logg.Info(logCtx, "side effects queued")
	}
	return nil
}

// BuildRows converts a batch into pending intent rows.
func BuildRows(batch Batch) ([]models.SideEffectIntent, error) {
	rows := make([]models.SideEffectIntent, 0, len(batch.Intents))
	for i, intent := range batch.Intents {
		if !intent.Kind.IsValid() {
			return nil, fmt.Errorf("invalid side effect kind %q", intent.Kind)
		}
		data, err := json.Marshal(intent.Data)
		if err != nil {
			return nil, err
		}
		envelope, err := json.Marshal(PayloadEnvelope{
			Version:    payloads.SideEffectPayloadVersion,
			EventID:    batch.EventID,
			OccurredAt: batch.OccurredAt,
			Data:       data,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, models.SideEffectIntent{
			DedupeKey:      DedupeKey(batch.EventID, intent.Kind),
			EventID:        batch.EventID,
			SubscriptionID: batch.SubscriptionID,
			Kind:           intent.Kind,
			Payload:        dbtypes.JSON(envelope),
			Status:         enums.SideEffectStatusPending,
			Sequence:       i,
			NextAttemptAt:  batch.OccurredAt,
		})
	}
	return rows, nil
}
