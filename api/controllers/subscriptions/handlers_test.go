package subscriptions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyworks/billing-reconciler/api/middleware"
	"github.com/agencyworks/billing-reconciler/internal/billing"
	subsvc "github.com/agencyworks/billing-reconciler/internal/subscriptions"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
)

type stubQueries struct {
	status *subsvc.CustomerStatus
	views  []subsvc.SubscriptionView
	detail *subsvc.SubscriptionDetail
	err    error
	gotID  string
}

func (s *stubQueries) GetSubscriptionStatus(_ context.Context, id string) (*subsvc.CustomerStatus, error) {
	s.gotID = id
	return s.status, s.err
}

func (s *stubQueries) ListByCustomer(_ context.Context, id string) ([]subsvc.SubscriptionView, error) {
	s.gotID = id
	return s.views, s.err
}

func (s *stubQueries) Get(_ context.Context, id string) (*subsvc.SubscriptionDetail, error) {
	s.gotID = id
	return s.detail, s.err
}

type stubReactivator struct {
	result billing.Result
	err    error
	params billing.ReactivationParams
	calls  int
}

func (s *stubReactivator) RequestReactivation(_ context.Context, params billing.ReactivationParams) (billing.Result, error) {
	s.calls++
	s.params = params
	return s.result, s.err
}

func newRouter(queries subsvc.Service, react reactivator) http.Handler {
	r := chi.NewRouter()
	r.Get("/customers/{customerId}/status", CustomerSubscriptionStatus(queries, nil))
	r.Get("/customers/{customerId}/subscriptions", CustomerSubscriptions(queries, nil))
	r.Get("/subscriptions/{subscriptionId}", SubscriptionGet(queries, nil))
	r.Post("/subscriptions/{subscriptionId}/reactivate", SubscriptionReactivate(react, nil))
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestCustomerSubscriptionStatus(t *testing.T) {
	queries := &stubQueries{status: &subsvc.CustomerStatus{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         enums.SubscriptionStatusActive,
		HasAccess:      true,
	}}
	rec := httptest.NewRecorder()
	newRouter(queries, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/cus_1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cus_1", queries.gotID)
	var body struct {
		Data subsvc.CustomerStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.HasAccess)
	assert.Equal(t, enums.SubscriptionStatusActive, body.Data.Status)
}

func TestCustomerSubscriptionStatusNotFound(t *testing.T) {
	queries := &stubQueries{err: pkgerrors.New(pkgerrors.CodeNotFound, "no subscription for customer")}
	rec := httptest.NewRecorder()
	newRouter(queries, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/cus_404/status", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeNotFound), errorCode(t, rec))
}

func TestCustomerSubscriptionsList(t *testing.T) {
	queries := &stubQueries{views: []subsvc.SubscriptionView{{ExternalSubscriptionID: "sub_1"}, {ExternalSubscriptionID: "sub_2"}}}
	rec := httptest.NewRecorder()
	newRouter(queries, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/cus_1/subscriptions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			Subscriptions []subsvc.SubscriptionView `json:"subscriptions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data.Subscriptions, 2)
}

func TestSubscriptionGetPassesIdentifier(t *testing.T) {
	queries := &stubQueries{detail: &subsvc.SubscriptionDetail{SubscriptionView: subsvc.SubscriptionView{ExternalSubscriptionID: "sub_9"}}}
	rec := httptest.NewRecorder()
	newRouter(queries, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/sub_9", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sub_9", queries.gotID)
}

func TestSubscriptionReactivateRequiresIdempotencyKey(t *testing.T) {
	react := &stubReactivator{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub_1/reactivate", strings.NewReader(`{"reason":"came back"}`))
	newRouter(nil, react).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, react.calls)
}

func TestSubscriptionReactivateRejectsUnknownFields(t *testing.T) {
	react := &stubReactivator{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub_1/reactivate", strings.NewReader(`{"reason":"x","force":true}`))
	req.Header.Set(idempotencyHeader, "key-1")
	newRouter(nil, react).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, react.calls)
}

func TestSubscriptionReactivateAccepted(t *testing.T) {
	react := &stubReactivator{result: billing.Result{
		EventID:      "reactivation:sub_1:key-1",
		Outcome:      enums.OutcomeApplied,
		Subscription: &models.Subscription{Status: enums.SubscriptionStatusReactivated},
	}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub_1/reactivate", strings.NewReader(`{"reason":"  came back  "}`))
	req.Header.Set(idempotencyHeader, "key-1")
	req = req.WithContext(middleware.WithCaller(req.Context(), middleware.Caller{Service: "support-console"}))
	newRouter(nil, react).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, billing.ReactivationParams{
		ExternalSubscriptionID: "sub_1",
		Reason:                 "came back",
		RequestedBy:            "support-console",
		IdempotencyKey:         "key-1",
	}, react.params)

	var body struct {
		Data reactivateResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(enums.SubscriptionStatusReactivated), body.Data.Status)
}

func TestSubscriptionReactivateDuplicateReturnsOK(t *testing.T) {
	react := &stubReactivator{result: billing.Result{EventID: "reactivation:sub_1:key-1", Duplicate: true}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub_1/reactivate", strings.NewReader(`{}`))
	req.Header.Set(idempotencyHeader, "key-1")
	newRouter(nil, react).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptionReactivateStateConflict(t *testing.T) {
	react := &stubReactivator{err: pkgerrors.New(pkgerrors.CodeStateConflict, "only cancelled subscriptions can be reactivated")}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub_1/reactivate", strings.NewReader(`{}`))
	req.Header.Set(idempotencyHeader, "key-2")
	newRouter(nil, react).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeStateConflict), errorCode(t, rec))
}
