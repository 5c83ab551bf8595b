package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agencyworks/billing-reconciler/api/controllers"
	subscriptioncontrollers "github.com/agencyworks/billing-reconciler/api/controllers/subscriptions"
	webhookcontrollers "github.com/agencyworks/billing-reconciler/api/controllers/webhooks"
	"github.com/agencyworks/billing-reconciler/api/middleware"
	"github.com/agencyworks/billing-reconciler/internal/billing"
	subscriptionsvc "github.com/agencyworks/billing-reconciler/internal/subscriptions"
	stripewebhook "github.com/agencyworks/billing-reconciler/internal/webhooks/stripe"
	"github.com/agencyworks/billing-reconciler/pkg/auth"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

// RouterParams carries everything the HTTP surface needs.
type RouterParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	Readiness     []controllers.Dependency
	Gatherer      prometheus.Gatherer
	Webhooks      *stripewebhook.Service
	Billing       *billing.Service
	Subscriptions subscriptionsvc.Service
	DeadLetters   *outbox.DLQRepository
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.Readiness...))
	})

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	webhook := webhookHandler(params.Webhooks, logg)
	r.Post("/subscriptions/webhook", webhook)
	r.Post("/api/v1/webhooks/stripe", webhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(cfg.ServiceAuth, auth.ScopeSubscriptionsRead, logg))
			r.Get("/customers/{customerId}/subscription-status", subscriptioncontrollers.CustomerSubscriptionStatus(params.Subscriptions, logg))
			r.Get("/customers/{customerId}/subscriptions", subscriptioncontrollers.CustomerSubscriptions(params.Subscriptions, logg))
			r.Get("/subscriptions/{subscriptionId}", subscriptioncontrollers.SubscriptionGet(params.Subscriptions, logg))
			r.Get("/side-effects/dead-letters", deadLettersHandler(params.DeadLetters, logg))
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(cfg.ServiceAuth, auth.ScopeSubscriptionsWrite, logg))
			r.Post("/subscriptions/{subscriptionId}/reactivate", reactivateHandler(params.Billing, logg))
		})
	})

	return r
}

// The helpers below keep a nil service pointer from reaching the handlers as a
// non-nil interface.

func webhookHandler(svc *stripewebhook.Service, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return webhookcontrollers.SubscriptionWebhook(nil, logg)
	}
	return webhookcontrollers.SubscriptionWebhook(svc, logg)
}

func reactivateHandler(svc *billing.Service, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return subscriptioncontrollers.SubscriptionReactivate(nil, logg)
	}
	return subscriptioncontrollers.SubscriptionReactivate(svc, logg)
}

func deadLettersHandler(repo *outbox.DLQRepository, logg *logger.Logger) http.HandlerFunc {
	if repo == nil {
		return controllers.DeadLetters(nil, logg)
	}
	return controllers.DeadLetters(repo, logg)
}
