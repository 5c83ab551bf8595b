package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/pagination"
)

type stubDeadLetters struct {
	rows   []models.SideEffectDLQ
	next   string
	err    error
	params pagination.Params
	filter outbox.DLQFilter
}

func (s *stubDeadLetters) List(_ context.Context, filter outbox.DLQFilter, params pagination.Params) ([]models.SideEffectDLQ, string, error) {
	s.params = params
	s.filter = filter
	return s.rows, s.next, s.err
}

func TestDeadLettersListsPage(t *testing.T) {
	msg := "sendgrid: 400"
	repo := &stubDeadLetters{
		rows: []models.SideEffectDLQ{{
			ID:           uuid.New(),
			IntentID:     uuid.New(),
			EventID:      "evt_1",
			Kind:         enums.SideEffectCancellationEmail,
			ErrorReason:  enums.SideEffectDLQReasonNonRetryable,
			ErrorMessage: &msg,
			AttemptCount: 1,
			FailedAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Payload:      []byte(`{"customer_email":"dana@example.com"}`),
		}},
		next: "next-page",
	}
	rec := httptest.NewRecorder()
	DeadLetters(repo, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/side-effects/dead?limit=10&kind=cancellation_email&event_id=evt_1", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, repo.params.Limit)
	assert.Equal(t, outbox.DLQFilter{Kind: enums.SideEffectCancellationEmail, EventID: "evt_1"}, repo.filter)

	var body struct {
		Data struct {
			Items      []deadLetterView `json:"items"`
			NextCursor string           `json:"next_cursor"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data.Items, 1)
	assert.Equal(t, "non_retryable", body.Data.Items[0].Reason)
	assert.Equal(t, "next-page", body.Data.NextCursor)
}

func TestDeadLettersRejectsBadQuery(t *testing.T) {
	cases := map[string]string{
		"limit too large": "/dead?limit=1000",
		"limit not int":   "/dead?limit=abc",
		"cursor garbage":  "/dead?cursor=not-base64!",
		"unknown kind":    "/dead?kind=fax",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			repo := &stubDeadLetters{}
			rec := httptest.NewRecorder()
			DeadLetters(repo, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, repo.params.Limit, "store not queried")
		})
	}
}

func TestDeadLettersStoreFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	DeadLetters(&stubDeadLetters{err: errors.New("db down")}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dead", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
