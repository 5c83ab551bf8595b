package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/agencyworks/billing-reconciler/api/responses"
	"github.com/agencyworks/billing-reconciler/internal/billing"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

// maxPayloadBytes matches the processor's documented upper bound for an event body.
const maxPayloadBytes = 512 * 1024

var signatureHeaders = []string{"Stripe-Signature", "X-Signature"}

type webhookService interface {
	Handle(ctx context.Context, payload []byte, signature string) (billing.Result, error)
}

type webhookResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

// SubscriptionWebhook verifies, deduplicates and reconciles one processor delivery.
// 200 acknowledges processed, duplicate and ignored events. 400 rejects bad
// signatures and malformed bodies. Every other failure answers 500 so the
// processor redelivers.
func SubscriptionWebhook(svc webhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreTransaction, err, "read request body"))
			return
		}

		result, err := svc.Handle(ctx, payload, signature(r))
		if err != nil {
			responses.WriteError(ctx, logg, w, webhookError(err))
			return
		}

		responses.WriteSuccess(w, webhookResponse{
			EventID:   result.EventID,
			Duplicate: result.Duplicate,
			Outcome:   string(result.Outcome),
		})
	}
}

func signature(r *http.Request) string {
	for _, header := range signatureHeaders {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}

// webhookError keeps 400 for rejections the processor must not retry and maps
// everything else onto the 500 path.
func webhookError(err error) error {
	typed := pkgerrors.As(err)
	if typed != nil {
		switch typed.Code() {
		case pkgerrors.CodeInvalidSignature, pkgerrors.CodeValidation, pkgerrors.CodeStoreTransaction:
			return err
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeStoreTransaction, err, "process event")
}
