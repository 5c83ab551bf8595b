package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	stripewebhook "github.com/agencyworks/billing-reconciler/internal/webhooks/stripe"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/db/dbtest"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

const testSecret = "whsec_test"

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, reconciler.Event) (billing.Result, error) {
	return billing.Result{}, errors.New("connection reset")
}

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", at.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func createdPayload(eventID string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": "customer.subscription.created",
  "created": %d,
  "data": {"object": {
    "id": "sub_1",
    "object": "subscription",
    "customer": "cus_1",
    "status": "incomplete",
    "items": {"data": [{"current_period_end": %d}]}
  }}
}`, eventID, time.Now().Add(-time.Minute).Unix(), time.Now().Add(30*24*time.Hour).Unix()))
}

func newWebhookHandler(t *testing.T, processor interface {
	Process(context.Context, reconciler.Event) (billing.Result, error)
}) (http.HandlerFunc, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	if processor == nil {
		svc, err := billing.NewService(billing.ServiceParams{
			Repo:     billing.NewRepository(conn),
			Guard:    billing.NewGuard(conn),
			Outbox:   outbox.NewService(outbox.NewRepository(conn), nil),
			TxRunner: db.FromGorm(conn),
		})
		require.NoError(t, err)
		processor = svc
	}
	verifier, err := stripewebhook.NewVerifier(testSecret, 5*time.Minute)
	require.NoError(t, err)
	svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Verifier: verifier, Processor: processor})
	require.NoError(t, err)
	return SubscriptionWebhook(svc, nil), conn
}

func post(handler http.Handler, payload []byte, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/webhook", strings.NewReader(string(payload)))
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var envelope struct {
		Data webhookResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestSubscriptionWebhookProcessesThenDeduplicates(t *testing.T) {
	handler, conn := newWebhookHandler(t, nil)
	payload := createdPayload("evt_created_1")

	rec := post(handler, payload, "Stripe-Signature", sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeData(t, rec)
	assert.Equal(t, "evt_created_1", first.EventID)
	assert.False(t, first.Duplicate)
	assert.Equal(t, string(enums.OutcomeApplied), first.Outcome)

	rec = post(handler, payload, "X-Signature", sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeData(t, rec)
	assert.True(t, second.Duplicate)

	var count int64
	require.NoError(t, conn.Table("processed_events").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSubscriptionWebhookRejectsBadSignature(t *testing.T) {
	handler, conn := newWebhookHandler(t, nil)
	payload := createdPayload("evt_forged")

	rec := post(handler, payload, "Stripe-Signature", sign(payload, "whsec_other", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(pkgerrors.CodeInvalidSignature))

	rec = post(handler, payload, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	require.NoError(t, conn.Table("processed_events").Count(&count).Error)
	assert.Zero(t, count, "rejected deliveries leave no trace")
}

func TestSubscriptionWebhookAcceptsUnknownTypes(t *testing.T) {
	handler, _ := newWebhookHandler(t, nil)
	payload := []byte(fmt.Sprintf(`{"id":"evt_new","object":"event","type":"customer.tax_id.created","created":%d,"data":{"object":{"id":"txi_1"}}}`, time.Now().Unix()))

	rec := post(handler, payload, "Stripe-Signature", sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(enums.OutcomeIgnored), decodeData(t, rec).Outcome)
}

func TestSubscriptionWebhookStoreFailureAsksForRedelivery(t *testing.T) {
	handler, _ := newWebhookHandler(t, failingProcessor{})
	payload := createdPayload("evt_retry")

	rec := post(handler, payload, "Stripe-Signature", sign(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubscriptionWebhookMalformedObject(t *testing.T) {
	handler, _ := newWebhookHandler(t, nil)
	payload := []byte(fmt.Sprintf(`{"id":"evt_bad","object":"event","type":"customer.subscription.updated","created":%d,"data":{"object":{"status":"active"}}}`, time.Now().Unix()))

	rec := post(handler, payload, "Stripe-Signature", sign(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
