package reconciler

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	dbtypes "github.com/agencyworks/billing-reconciler/pkg/db/types"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/outbox/payloads"
)

// zeroDecimalCurrencies are charged in whole units by the processor.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// emit appends an intent whose payload is a snapshot of the record after the transition.
func (r *run) emit(kind enums.SideEffectKind, prev *enums.SubscriptionStatus) {
	data := payloads.SideEffect{
		ExternalSubscriptionID: r.sub.ExternalSubscriptionID,
		ExternalCustomerID:     r.sub.ExternalCustomerID,
		CustomerEmail:          r.email(),
		CustomerName:           ResolveCustomerName(r.customer, r.ev),
		CustomerPhone:          r.phone(),
		Status:                 r.sub.Status,
		EffectiveAt:            r.effectiveAt(kind),
	}
	if prev != nil {
		p := *prev
		data.PreviousStatus = &p
	}
	if r.sub.CancellationReason != nil {
		data.Reason = *r.sub.CancellationReason
	}
	if inv := r.ev.Invoice; inv != nil {
		amount := inv.AmountPaid
		if kind == enums.SideEffectPastDueAlert || kind == enums.SideEffectPastDueSMS {
			amount = inv.AmountDue
		}
		data.AmountDue = FormatAmount(amount, inv.Currency)
		data.Currency = strings.ToUpper(inv.Currency)
		data.AttemptCount = int(inv.AttemptCount)
	}
	r.decision.Intents = append(r.decision.Intents, outbox.Intent{Kind: kind, Data: data})
}

func (r *run) effectiveAt(kind enums.SideEffectKind) *time.Time {
	switch kind {
	case enums.SideEffectCancellationScheduledEmail:
		return cloneTime(r.sub.CancellationEffectiveAt)
	case enums.SideEffectCancellationEmail, enums.SideEffectAccessRevoke:
		return cloneTime(r.sub.CanceledAt)
	case enums.SideEffectReactivationRequestedEmail:
		return cloneTime(r.sub.ReactivatedAt)
	case enums.SideEffectPastDueAlert, enums.SideEffectPastDueSMS:
		if r.ev.Invoice != nil {
			return cloneTime(r.ev.Invoice.NextPaymentAttempt)
		}
	}
	return cloneTime(r.sub.CurrentPeriodEnd)
}

func (r *run) email() string {
	if r.customer != nil && r.customer.Email != "" {
		return r.customer.Email
	}
	email, _, _ := r.ev.contact()
	return strings.TrimSpace(email)
}

func (r *run) phone() string {
	if r.customer != nil && r.customer.Phone != "" {
		return r.customer.Phone
	}
	_, _, phone := r.ev.contact()
	return strings.TrimSpace(phone)
}

// ResolveCustomerName picks the best available display name. Processors do not
// guarantee a name on every payload, so the stored record wins, then the event,
// then the local part of the email address.
func ResolveCustomerName(customer *models.Customer, ev Event) string {
	if customer != nil && strings.TrimSpace(customer.Name) != "" {
		return strings.TrimSpace(customer.Name)
	}
	email, name, _ := ev.contact()
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if ev.Subscription != nil {
		if name := strings.TrimSpace(ev.Subscription.Metadata["customer_name"]); name != "" {
			return name
		}
	}
	if email == "" && customer != nil {
		email = customer.Email
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return ""
}

// FormatAmount renders minor units in major units, e.g. 1999 usd -> "19.99".
func FormatAmount(minor int64, currency string) string {
	if currency == "" {
		return ""
	}
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(minor).String()
	}
	return decimal.New(minor, -2).StringFixed(2)
}

// mergeCustomer folds contact details from ev into the stored customer. When
// overwrite is false only empty fields are filled.
func mergeCustomer(existing *models.Customer, ev Event, overwrite bool) (*models.Customer, bool) {
	extID := ev.ExternalCustomerID()
	if extID == "" {
		return existing, false
	}
	if existing != nil && existing.ExternalCustomerID != extID {
		return existing, false
	}
	email, name, phone := ev.contact()
	if ev.Subscription != nil {
		// subscription metadata is not authoritative for the customer's name
		name = ""
	}

	var out models.Customer
	changed := false
	if existing != nil {
		out = *existing
	} else {
		out = models.Customer{ExternalCustomerID: extID}
		changed = true
	}
	set := func(field *string, value string) {
		value = strings.TrimSpace(value)
		if value == "" || *field == value {
			return
		}
		if *field == "" || overwrite {
			*field = value
			changed = true
		}
	}
	set(&out.Email, email)
	set(&out.Name, name)
	set(&out.Phone, phone)
	return &out, changed
}

// encodeMetadata relies on json.Marshal sorting map keys, so equal maps encode identically.
func encodeMetadata(meta map[string]string) (dbtypes.JSON, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return dbtypes.JSON(raw), nil
}
