package reconciler

import (
	"strings"
	"time"
)

// Processor event types the reconciler understands. Anything else is routed to a no-op.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventCustomerCreated          = "customer.created"
	EventCustomerUpdated          = "customer.updated"
	EventCheckoutSessionCompleted = "checkout.session.completed"

	// EventReactivationRequested is raised internally by the reactivation API.
	EventReactivationRequested = "subscription.reactivation_requested"
)

// Event is a verified, typed processor event.
type Event struct {
	ExternalID string
	Type       string
	OccurredAt time.Time
	ReceivedAt time.Time
	Livemode   bool

	Subscription *SubscriptionObject
	Invoice      *InvoiceObject
	Customer     *CustomerObject
	Checkout     *CheckoutSessionObject
	Reactivation *ReactivationRequest
}

type SubscriptionObject struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CanceledAt         *time.Time
	CurrentPeriodEnd   *time.Time
	CancellationReason string
	Metadata           map[string]string
}

type InvoiceObject struct {
	ID                 string
	CustomerID         string
	CustomerEmail      string
	CustomerName       string
	CustomerPhone      string
	SubscriptionID     string
	AmountPaid         int64
	AmountDue          int64
	Currency           string
	BillingReason      string
	AttemptCount       int64
	NextPaymentAttempt *time.Time
	HostedInvoiceURL   string
	PeriodEnd          *time.Time
}

type CustomerObject struct {
	ID    string
	Email string
	Name  string
	Phone string
}

type CheckoutSessionObject struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Email          string
	Name           string
	Phone          string
}

// ReactivationRequest is the payload of EventReactivationRequested.
type ReactivationRequest struct {
	ExternalSubscriptionID string
	Reason                 string
	RequestedBy            string
}

// Internal reports whether the event was raised locally rather than delivered by
// the processor. Its timestamp comes from the local clock.
func (e Event) Internal() bool {
	return e.Type == EventReactivationRequested
}

// ExternalSubscriptionID returns the processor subscription the event refers to, if any.
func (e Event) ExternalSubscriptionID() string {
	switch {
	case e.Subscription != nil:
		return strings.TrimSpace(e.Subscription.ID)
	case e.Invoice != nil:
		return strings.TrimSpace(e.Invoice.SubscriptionID)
	case e.Reactivation != nil:
		return strings.TrimSpace(e.Reactivation.ExternalSubscriptionID)
	case e.Checkout != nil:
		return strings.TrimSpace(e.Checkout.SubscriptionID)
	}
	return ""
}

// ExternalCustomerID returns the processor customer the event refers to, if any.
func (e Event) ExternalCustomerID() string {
	switch {
	case e.Subscription != nil:
		return strings.TrimSpace(e.Subscription.CustomerID)
	case e.Invoice != nil:
		return strings.TrimSpace(e.Invoice.CustomerID)
	case e.Customer != nil:
		return strings.TrimSpace(e.Customer.ID)
	case e.Checkout != nil:
		return strings.TrimSpace(e.Checkout.CustomerID)
	}
	return ""
}

// contact returns whatever customer contact details the event carries.
func (e Event) contact() (email, name, phone string) {
	switch {
	case e.Invoice != nil:
		return e.Invoice.CustomerEmail, e.Invoice.CustomerName, e.Invoice.CustomerPhone
	case e.Customer != nil:
		return e.Customer.Email, e.Customer.Name, e.Customer.Phone
	case e.Checkout != nil:
		return e.Checkout.Email, e.Checkout.Name, e.Checkout.Phone
	case e.Subscription != nil:
		return "", e.Subscription.Metadata["customer_name"], ""
	}
	return "", "", ""
}
