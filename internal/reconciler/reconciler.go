// Package reconciler maps processor events onto the local subscription state machine.
//
// Reconcile is deterministic and performs no I/O: given the stored records and a
// verified event it returns the records to write, the status transitions to log
// and the side effects to enqueue. Persistence and dispatch belong to the caller.
package reconciler

import (
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

// Transition is one status change produced by a decision.
type Transition struct {
	From    *enums.SubscriptionStatus
	To      enums.SubscriptionStatus
	Trigger enums.SubscriptionTrigger
}

// Decision is the complete result of reconciling one event.
type Decision struct {
	Trigger enums.SubscriptionTrigger
	Outcome enums.ProcessedEventOutcome
	// Subscription is set when the subscription record must be written.
	Subscription *models.Subscription
	// Customer is set when the customer record must be written.
	Customer    *models.Customer
	Transitions []Transition
	Intents     []outbox.Intent
	// Placeholder reports that the event referenced an unknown subscription and a
	// placeholder record was created for it.
	Placeholder bool
}

// Classify resolves the trigger for ev. Subscription updates are split by comparing the
// pending-cancellation flag against the stored record.
func Classify(ev Event, current *models.Subscription) enums.SubscriptionTrigger {
	switch ev.Type {
	case EventSubscriptionCreated:
		if ev.Subscription != nil {
			return enums.TriggerCreated
		}
	case EventSubscriptionUpdated:
		if ev.Subscription == nil {
			break
		}
		pending := cancellationPending(ev.Subscription)
		flagSet := current != nil && current.CancelAtPeriodEnd
		switch {
		case pending && !flagSet:
			return enums.TriggerCancelRequested
		case !pending && flagSet:
			return enums.TriggerCancelWithdrawn
		}
		return enums.TriggerUpdated
	case EventSubscriptionDeleted:
		if ev.Subscription != nil {
			return enums.TriggerDeleted
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		if ev.Invoice != nil {
			return enums.TriggerPaymentSucceeded
		}
	case EventInvoicePaymentFailed:
		if ev.Invoice != nil {
			return enums.TriggerPaymentFailed
		}
	case EventReactivationRequested:
		if ev.Reactivation != nil {
			return enums.TriggerReactivationRequested
		}
	case EventCustomerCreated, EventCustomerUpdated, EventCheckoutSessionCompleted:
		return enums.TriggerCustomerUpsert
	}
	return enums.TriggerUnknown
}

// Reconcile computes the decision for ev against the stored subscription and customer.
// Either record may be nil when it does not exist yet.
func Reconcile(current *models.Subscription, customer *models.Customer, ev Event, now time.Time) Decision {
	trigger := Classify(ev, current)
	d := Decision{Trigger: trigger, Outcome: enums.OutcomeIgnored}

	if !trigger.SubscriptionScoped() {
		if trigger != enums.TriggerCustomerUpsert {
			return d
		}
		if cust, changed := mergeCustomer(customer, ev, true); changed {
			d.Customer = cust
			d.Outcome = enums.OutcomeApplied
		}
		return d
	}

	extSubID := ev.ExternalSubscriptionID()
	if extSubID == "" {
		// one-off invoices have no subscription
		return d
	}
	if current == nil && trigger == enums.TriggerReactivationRequested {
		return d
	}
	if current != nil && isStale(current, trigger, ev) {
		d.Outcome = enums.OutcomeStale
		return d
	}

	cust, customerChanged := mergeCustomer(customer, ev, false)

	r := &run{ev: ev, now: now, customer: cust, decision: &d}
	if current == nil {
		r.sub = &models.Subscription{
			ExternalSubscriptionID: extSubID,
			ExternalCustomerID:     ev.ExternalCustomerID(),
			Status:                 enums.SubscriptionStatusIncomplete,
			IsPlaceholder:          trigger != enums.TriggerCreated,
		}
		d.Placeholder = r.sub.IsPlaceholder
		d.Transitions = append(d.Transitions, Transition{To: enums.SubscriptionStatusIncomplete, Trigger: trigger})
	} else {
		r.sub = current.Clone()
	}

	changed := r.apply(trigger) || current == nil
	if customerChanged {
		d.Customer = cust
	}
	if !changed {
		if customerChanged {
			d.Outcome = enums.OutcomeApplied
		}
		return d
	}

	r.stamp()
	d.Subscription = r.sub
	d.Outcome = enums.OutcomeApplied
	return d
}

type run struct {
	ev       Event
	now      time.Time
	sub      *models.Subscription
	customer *models.Customer
	decision *Decision
}

func (r *run) apply(trigger enums.SubscriptionTrigger) bool {
	switch trigger {
	case enums.TriggerCreated:
		return r.created()
	case enums.TriggerPaymentSucceeded:
		return r.paymentSucceeded()
	case enums.TriggerPaymentFailed:
		return r.paymentFailed()
	case enums.TriggerCancelRequested:
		return r.cancelRequested()
	case enums.TriggerCancelWithdrawn:
		return r.cancelWithdrawn()
	case enums.TriggerUpdated:
		return r.refreshFromSubscription()
	case enums.TriggerDeleted:
		return r.deleted()
	case enums.TriggerReactivationRequested:
		return r.reactivationRequested()
	}
	return false
}

// created fills in a placeholder or a fresh record. Status never regresses.
func (r *run) created() bool {
	wasPlaceholder := r.sub.IsPlaceholder
	r.sub.IsPlaceholder = false
	refreshed := r.refreshFromSubscription()
	if cancellationPending(r.ev.Subscription) && r.recordCancellation() {
		refreshed = true
	}
	return wasPlaceholder || refreshed
}

func (r *run) paymentSucceeded() bool {
	refreshed := r.refreshFromInvoice()
	prev := r.sub.Status
	switch prev {
	case enums.SubscriptionStatusIncomplete:
		r.transition(enums.SubscriptionStatusActive, enums.TriggerPaymentSucceeded)
		r.emit(enums.SideEffectAccessGrant, &prev)
	case enums.SubscriptionStatusReactivated:
		r.transition(enums.SubscriptionStatusActive, enums.TriggerPaymentSucceeded)
		r.emit(enums.SideEffectAccessGrant, &prev)
		r.emit(enums.SideEffectReactivationEmail, &prev)
	case enums.SubscriptionStatusPastDue:
		r.transition(enums.SubscriptionStatusActive, enums.TriggerPaymentSucceeded)
		r.emit(enums.SideEffectAccessGrant, &prev)
		r.emit(enums.SideEffectPaymentRecoveredEmail, &prev)
	case enums.SubscriptionStatusActive:
		return refreshed
	default:
		// a late invoice on a cancelled subscription does not revive it
		return false
	}
	return true
}

func (r *run) paymentFailed() bool {
	prev := r.sub.Status
	if prev != enums.SubscriptionStatusActive {
		// incomplete and past_due stay put; the first failure already alerted
		return false
	}
	r.refreshFromInvoice()
	r.transition(enums.SubscriptionStatusPastDue, enums.TriggerPaymentFailed)
	r.emit(enums.SideEffectPastDueAlert, &prev)
	if r.phone() != "" {
		r.emit(enums.SideEffectPastDueSMS, &prev)
	}
	return true
}

func (r *run) cancelRequested() bool {
	switch r.sub.Status {
	case enums.SubscriptionStatusCancelled:
		return false
	case enums.SubscriptionStatusIncomplete:
		// nothing to notify about before access is granted, but the flag must survive
		refreshed := r.refreshFromSubscription()
		return r.recordCancellation() || refreshed
	}
	if !r.sub.Status.GrantsAccess() {
		return false
	}
	r.refreshFromSubscription()
	r.recordCancellation()
	prev := r.sub.Status
	r.emit(enums.SideEffectCancellationScheduledEmail, &prev)
	return true
}

// recordCancellation copies the pending cancellation from the event and reports
// whether the record changed.
func (r *run) recordCancellation() bool {
	obj := r.ev.Subscription
	effective := obj.CancelAt
	if effective == nil {
		effective = r.sub.CurrentPeriodEnd
	}
	changed := !r.sub.CancelAtPeriodEnd || !sameTime(r.sub.CancellationEffectiveAt, effective)
	r.sub.CancelAtPeriodEnd = true
	r.sub.CancellationEffectiveAt = cloneTime(effective)
	if obj.CancellationReason != "" {
		if r.sub.CancellationReason == nil || *r.sub.CancellationReason != obj.CancellationReason {
			changed = true
		}
		reason := obj.CancellationReason
		r.sub.CancellationReason = &reason
	}
	return changed
}

func (r *run) cancelWithdrawn() bool {
	if !r.sub.Status.GrantsAccess() {
		return false
	}
	r.refreshFromSubscription()
	r.sub.CancelAtPeriodEnd = false
	r.sub.CancellationEffectiveAt = nil
	r.sub.CancellationReason = nil
	return true
}

func (r *run) deleted() bool {
	prev := r.sub.Status
	if prev == enums.SubscriptionStatusCancelled {
		return false
	}
	obj := r.ev.Subscription
	r.refreshFromSubscription()
	canceledAt := obj.CanceledAt
	if canceledAt == nil {
		canceledAt = &r.ev.OccurredAt
	}
	r.sub.CanceledAt = cloneTime(canceledAt)
	if obj.CancellationReason != "" {
		reason := obj.CancellationReason
		r.sub.CancellationReason = &reason
	}
	r.transition(enums.SubscriptionStatusCancelled, enums.TriggerDeleted)
	r.emit(enums.SideEffectAccessRevoke, &prev)
	r.emit(enums.SideEffectCancellationEmail, &prev)
	return true
}

func (r *run) reactivationRequested() bool {
	prev := r.sub.Status
	if prev != enums.SubscriptionStatusCancelled {
		return false
	}
	at := r.ev.OccurredAt
	if at.IsZero() {
		at = r.now
	}
	r.sub.ReactivatedAt = &at
	r.sub.CancelAtPeriodEnd = false
	r.sub.CancellationEffectiveAt = nil
	r.sub.CancellationReason = nil
	r.transition(enums.SubscriptionStatusReactivated, enums.TriggerReactivationRequested)
	r.emit(enums.SideEffectReactivationRequestedEmail, &prev)
	return true
}

func (r *run) transition(to enums.SubscriptionStatus, trigger enums.SubscriptionTrigger) {
	from := r.sub.Status
	r.sub.Status = to
	r.decision.Transitions = append(r.decision.Transitions, Transition{From: &from, To: to, Trigger: trigger})
}

// stamp records the event on the record. The status clock only advances on status
// changes so that unrelated updates never make a later payment event look stale, and
// only from processor events since local timestamps are not comparable with theirs.
func (r *run) stamp() {
	r.sub.LastEventID = r.ev.ExternalID
	at := r.ev.OccurredAt
	if at.IsZero() {
		at = r.now
	}
	if r.sub.LastEventAt == nil || at.After(*r.sub.LastEventAt) {
		r.sub.LastEventAt = &at
	}
	if len(r.decision.Transitions) > 0 && !r.ev.Internal() && (r.sub.StatusEventAt == nil || at.After(*r.sub.StatusEventAt)) {
		statusAt := at
		r.sub.StatusEventAt = &statusAt
	}
}

// refreshFromSubscription copies processor-owned fields that do not affect status.
func (r *run) refreshFromSubscription() bool {
	obj := r.ev.Subscription
	if obj == nil {
		return false
	}
	changed := false
	if obj.CustomerID != "" && r.sub.ExternalCustomerID != obj.CustomerID {
		r.sub.ExternalCustomerID = obj.CustomerID
		changed = true
	}
	if obj.CurrentPeriodEnd != nil && !sameTime(r.sub.CurrentPeriodEnd, obj.CurrentPeriodEnd) {
		r.sub.CurrentPeriodEnd = cloneTime(obj.CurrentPeriodEnd)
		changed = true
	}
	if len(obj.Metadata) > 0 {
		if raw, err := encodeMetadata(obj.Metadata); err == nil && string(raw) != string(r.sub.Metadata) {
			r.sub.Metadata = raw
			changed = true
		}
	}
	return changed
}

func (r *run) refreshFromInvoice() bool {
	inv := r.ev.Invoice
	if inv == nil {
		return false
	}
	changed := false
	if inv.CustomerID != "" && r.sub.ExternalCustomerID == "" {
		r.sub.ExternalCustomerID = inv.CustomerID
		changed = true
	}
	if inv.PeriodEnd != nil && (r.sub.CurrentPeriodEnd == nil || inv.PeriodEnd.After(*r.sub.CurrentPeriodEnd)) {
		r.sub.CurrentPeriodEnd = cloneTime(inv.PeriodEnd)
		changed = true
	}
	return changed
}

func isStale(current *models.Subscription, trigger enums.SubscriptionTrigger, ev Event) bool {
	if ev.OccurredAt.IsZero() {
		return false
	}
	switch trigger {
	case enums.TriggerDeleted:
		return current.ReactivatedAt != nil && ev.OccurredAt.Before(*current.ReactivatedAt)
	case enums.TriggerPaymentSucceeded, enums.TriggerPaymentFailed:
		// a reactivated record waits on the next payment whatever its processor timestamp
		if current.Status == enums.SubscriptionStatusReactivated {
			return false
		}
		return current.StatusEventAt != nil && ev.OccurredAt.Before(*current.StatusEventAt)
	}
	return false
}

func cancellationPending(obj *SubscriptionObject) bool {
	return obj.CancelAtPeriodEnd || obj.CancelAt != nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
