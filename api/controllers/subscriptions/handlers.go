package subscriptions

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agencyworks/billing-reconciler/api/middleware"
	"github.com/agencyworks/billing-reconciler/api/responses"
	"github.com/agencyworks/billing-reconciler/api/validators"
	"github.com/agencyworks/billing-reconciler/internal/billing"
	subsvc "github.com/agencyworks/billing-reconciler/internal/subscriptions"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

const idempotencyHeader = "Idempotency-Key"

type reactivator interface {
	RequestReactivation(ctx context.Context, params billing.ReactivationParams) (billing.Result, error)
}

type reactivateRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type reactivateResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status,omitempty"`
}

func CustomerSubscriptionStatus(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		status, err := svc.GetSubscriptionStatus(r.Context(), chi.URLParam(r, "customerId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

func CustomerSubscriptions(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		views, err := svc.ListByCustomer(r.Context(), chi.URLParam(r, "customerId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"subscriptions": views})
	}
}

func SubscriptionGet(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		detail, err := svc.Get(r.Context(), chi.URLParam(r, "subscriptionId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

// SubscriptionReactivate records a reactivation request. Retries carrying the
// same Idempotency-Key collapse into the first request.
func SubscriptionReactivate(svc reactivator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		key, err := validators.IdempotencyKey(r.Header.Get(idempotencyHeader))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload reactivateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.RequestReactivation(ctx, billing.ReactivationParams{
			ExternalSubscriptionID: chi.URLParam(r, "subscriptionId"),
			Reason:                 validators.SanitizeString(payload.Reason, 500),
			RequestedBy:            middleware.ServiceFromContext(ctx),
			IdempotencyKey:         key,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := reactivateResponse{EventID: result.EventID, Duplicate: result.Duplicate}
		if result.Subscription != nil {
			resp.Status = string(result.Subscription.Status)
		}
		if result.Duplicate {
			responses.WriteSuccess(w, resp)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
	}
}
