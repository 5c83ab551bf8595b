// Package stripewebhook is the ingress for signed processor deliveries.
package stripewebhook

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/metrics"
)

const (
	outcomeDuplicate        = "duplicate"
	outcomeInvalidSignature = "invalid_signature"
	outcomeMalformed        = "malformed"
	outcomeStoreFailure     = "store_failure"
	unknownEventLabel       = "unknown"
)

type eventProcessor interface {
	Process(ctx context.Context, ev reconciler.Event) (billing.Result, error)
}

type ServiceParams struct {
	Verifier  *Verifier
	Processor eventProcessor
	Metrics   *metrics.WebhookMetrics
	Logger    *logger.Logger
	Now       func() time.Time
}

type Service struct {
	verifier  *Verifier
	processor eventProcessor
	metrics   *metrics.WebhookMetrics
	logg      *logger.Logger
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Verifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook verifier required")
	}
	if params.Processor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event processor required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		verifier:  params.Verifier,
		processor: params.Processor,
		metrics:   params.Metrics,
		logg:      params.Logger,
		now:       now,
	}, nil
}

// Handle verifies and processes one delivery. The returned error carries the code
// that decides the HTTP status: invalid signatures and malformed bodies are final,
// store failures ask the processor to redeliver.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (billing.Result, error) {
	started := s.now()
	ev, err := s.verifier.Parse(payload, signature, started)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeInvalidSignature) {
			s.metrics.IncOutcome(outcomeInvalidSignature)
			if s.logg != nil {
				s.logg.Warn(ctx, "webhook signature rejected")
			}
		} else {
			s.metrics.IncOutcome(outcomeMalformed)
		}
		return billing.Result{}, err
	}

	label := eventLabel(ev.Type)
	s.metrics.IncReceived(label)
	if s.logg != nil {
		ctx = s.logg.WithEventID(ctx, ev.ExternalID)
		ctx = s.logg.WithField(ctx, "event_type", ev.Type)
	}

	result, err := s.processor.Process(ctx, *ev)
	s.metrics.ObserveProcessing(label, s.now().Sub(started))
	if err != nil {
		if errors.Is(err, context.Canceled) || pkgerrors.IsCode(err, pkgerrors.CodeStoreTransaction) {
			s.metrics.IncOutcome(outcomeStoreFailure)
		} else {
			s.metrics.IncOutcome(outcomeMalformed)
		}
		return result, err
	}
	if result.Duplicate {
		s.metrics.IncOutcome(outcomeDuplicate)
	} else {
		s.metrics.IncOutcome(string(result.Outcome))
	}
	return result, nil
}

// eventLabel bounds metric cardinality to the event types the reconciler maps.
func eventLabel(eventType string) string {
	if EventTypeKnown(stripe.EventType(eventType)) {
		return eventType
	}
	return unknownEventLabel
}
