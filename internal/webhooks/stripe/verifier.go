package stripewebhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
)

const defaultTolerance = 5 * time.Minute

var validate = validator.New()

// Verifier authenticates signed deliveries and decodes them into reconciler events.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook signing secret required")
	}
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Parse checks the signature header against payload and returns the typed event.
// Signature failures return CodeInvalidSignature; undecodable bodies CodeValidation.
// Event types the reconciler does not know are returned with no object attached.
func (v *Verifier) Parse(payload []byte, signature string, receivedAt time.Time) (*reconciler.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "missing signature header")
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "signature verification failed")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event payload")
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id and type required")
	}

	ev := &reconciler.Event{
		ExternalID: raw.ID,
		Type:       string(raw.Type),
		OccurredAt: unixTime(raw.Created),
		ReceivedAt: receivedAt.UTC(),
		Livemode:   raw.Livemode,
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return ev, nil
	}
	if err := decodeObject(ev, raw.Data.Raw); err != nil {
		return nil, err
	}
	return ev, nil
}

func isSignatureError(err error) bool {
	switch err {
	case webhook.ErrNotSigned, webhook.ErrInvalidHeader, webhook.ErrNoValidSignature, webhook.ErrTooOld:
		return true
	}
	return false
}

func decodeObject(ev *reconciler.Event, data json.RawMessage) error {
	var err error
	switch ev.Type {
	case reconciler.EventSubscriptionCreated, reconciler.EventSubscriptionUpdated, reconciler.EventSubscriptionDeleted:
		ev.Subscription, err = decodeSubscription(data)
	case reconciler.EventInvoicePaymentSucceeded, reconciler.EventInvoicePaid, reconciler.EventInvoicePaymentFailed:
		ev.Invoice, err = decodeInvoice(data)
	case reconciler.EventCustomerCreated, reconciler.EventCustomerUpdated:
		ev.Customer, err = decodeCustomer(data)
	case reconciler.EventCheckoutSessionCompleted:
		ev.Checkout, err = decodeCheckout(data)
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event object").
			WithDetails(map[string]any{"event_type": ev.Type})
	}
	return nil
}

// expandable holds a field the processor sends either as an id or as an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type subscriptionPayload struct {
	ID                  string     `json:"id" validate:"required"`
	Customer            expandable `json:"customer"`
	Status              string     `json:"status"`
	CancelAtPeriodEnd   bool       `json:"cancel_at_period_end"`
	CancelAt            int64      `json:"cancel_at"`
	CanceledAt          int64      `json:"canceled_at"`
	CurrentPeriodEnd    int64      `json:"current_period_end"`
	CancellationDetails *struct {
		Reason   string `json:"reason"`
		Comment  string `json:"comment"`
		Feedback string `json:"feedback"`
	} `json:"cancellation_details"`
	Items *struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func decodeSubscription(data json.RawMessage) (*reconciler.SubscriptionObject, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	periodEnd := p.CurrentPeriodEnd
	if p.Items != nil {
		for _, item := range p.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	obj := &reconciler.SubscriptionObject{
		ID:                p.ID,
		CustomerID:        string(p.Customer),
		Status:            p.Status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		CancelAt:          optionalUnix(p.CancelAt),
		CanceledAt:        optionalUnix(p.CanceledAt),
		CurrentPeriodEnd:  optionalUnix(periodEnd),
		Metadata:          p.Metadata,
	}
	if d := p.CancellationDetails; d != nil {
		switch {
		case d.Comment != "":
			obj.CancellationReason = d.Comment
		case d.Feedback != "":
			obj.CancellationReason = d.Feedback
		default:
			obj.CancellationReason = d.Reason
		}
	}
	return obj, nil
}

type invoicePayload struct {
	ID                 string     `json:"id" validate:"required"`
	Customer           expandable `json:"customer"`
	CustomerEmail      string     `json:"customer_email"`
	CustomerName       string     `json:"customer_name"`
	CustomerPhone      string     `json:"customer_phone"`
	Subscription       expandable `json:"subscription"`
	AmountPaid         int64      `json:"amount_paid" validate:"gte=0"`
	AmountDue          int64      `json:"amount_due" validate:"gte=0"`
	Currency           string     `json:"currency"`
	BillingReason      string     `json:"billing_reason"`
	AttemptCount       int64      `json:"attempt_count"`
	NextPaymentAttempt int64      `json:"next_payment_attempt"`
	HostedInvoiceURL   string     `json:"hosted_invoice_url"`
	PeriodEnd          int64      `json:"period_end"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines *struct {
		Data []struct {
			Period *struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func decodeInvoice(data json.RawMessage) (*reconciler.InvoiceObject, error) {
	var p invoicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	subscriptionID := string(p.Subscription)
	if subscriptionID == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		subscriptionID = string(p.Parent.SubscriptionDetails.Subscription)
	}
	// the invoice period_end is the previous period; line items carry the paid-for one
	periodEnd := p.PeriodEnd
	if p.Lines != nil {
		for _, line := range p.Lines.Data {
			if line.Period != nil && line.Period.End > periodEnd {
				periodEnd = line.Period.End
			}
		}
	}
	return &reconciler.InvoiceObject{
		ID:                 p.ID,
		CustomerID:         string(p.Customer),
		CustomerEmail:      p.CustomerEmail,
		CustomerName:       p.CustomerName,
		CustomerPhone:      p.CustomerPhone,
		SubscriptionID:     subscriptionID,
		AmountPaid:         p.AmountPaid,
		AmountDue:          p.AmountDue,
		Currency:           strings.ToLower(p.Currency),
		BillingReason:      p.BillingReason,
		AttemptCount:       p.AttemptCount,
		NextPaymentAttempt: optionalUnix(p.NextPaymentAttempt),
		HostedInvoiceURL:   p.HostedInvoiceURL,
		PeriodEnd:          optionalUnix(periodEnd),
	}, nil
}

type customerPayload struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func decodeCustomer(data json.RawMessage) (*reconciler.CustomerObject, error) {
	var p customerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	return &reconciler.CustomerObject{ID: p.ID, Email: p.Email, Name: p.Name, Phone: p.Phone}, nil
}

type checkoutPayload struct {
	ID              string     `json:"id" validate:"required"`
	Customer        expandable `json:"customer"`
	Subscription    expandable `json:"subscription"`
	CustomerDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customer_details"`
}

func decodeCheckout(data json.RawMessage) (*reconciler.CheckoutSessionObject, error) {
	var p checkoutPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	obj := &reconciler.CheckoutSessionObject{
		ID:             p.ID,
		CustomerID:     string(p.Customer),
		SubscriptionID: string(p.Subscription),
	}
	if d := p.CustomerDetails; d != nil {
		obj.Email, obj.Name, obj.Phone = d.Email, d.Name, d.Phone
	}
	return obj, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalUnix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// EventTypeKnown reports whether the reconciler has a mapping for the processor event type.
func EventTypeKnown(t stripe.EventType) bool {
	switch string(t) {
	case reconciler.EventSubscriptionCreated, reconciler.EventSubscriptionUpdated, reconciler.EventSubscriptionDeleted,
		reconciler.EventInvoicePaymentSucceeded, reconciler.EventInvoicePaid, reconciler.EventInvoicePaymentFailed,
		reconciler.EventCustomerCreated, reconciler.EventCustomerUpdated, reconciler.EventCheckoutSessionCompleted:
		return true
	}
	return false
}
