package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agencyworks/billing-reconciler/api/responses"
	"github.com/agencyworks/billing-reconciler/api/validators"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/pagination"
)

type deadLetterLister interface {
	List(ctx context.Context, filter outbox.DLQFilter, params pagination.Params) ([]models.SideEffectDLQ, string, error)
}

type deadLetterView struct {
	ID           uuid.UUID       `json:"id"`
	IntentID     uuid.UUID       `json:"intent_id"`
	EventID      string          `json:"event_id"`
	Kind         string          `json:"kind"`
	Reason       string          `json:"reason"`
	Error        *string         `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	FailedAt     time.Time       `json:"failed_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// DeadLetters pages through side effects that will not be retried, newest
// first, optionally narrowed by ?kind= and ?event_id=.
func DeadLetters(repo deadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter store unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		if _, err := pagination.Decode(cursor); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}
		filter, err := deadLetterFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, next, err := repo.List(r.Context(), filter, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters"))
			return
		}

		items := make([]deadLetterView, 0, len(rows))
		for _, row := range rows {
			items = append(items, deadLetterView{
				ID:           row.ID,
				IntentID:     row.IntentID,
				EventID:      row.EventID,
				Kind:         string(row.Kind),
				Reason:       string(row.ErrorReason),
				Error:        row.ErrorMessage,
				AttemptCount: row.AttemptCount,
				FailedAt:     row.FailedAt,
				Payload:      json.RawMessage(row.Payload),
			})
		}
		responses.WriteSuccess(w, map[string]any{"items": items, "next_cursor": next})
	}
}

func deadLetterFilter(r *http.Request) (outbox.DLQFilter, error) {
	q := r.URL.Query()
	filter := outbox.DLQFilter{EventID: validators.SanitizeString(q.Get("event_id"), 255)}
	if raw := q.Get("kind"); raw != "" {
		kind, err := enums.ParseSideEffectKind(raw)
		if err != nil {
			return filter, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid kind").
				WithDetails(map[string]any{"field": "kind"})
		}
		filter.Kind = kind
	}
	return filter, nil
}
