// Package notifications renders side effect payloads into plain-text messages.
package notifications

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox/payloads"
)

// Email is a rendered email ready for a sender.
type Email struct {
	ToEmail string
	ToName  string
	Subject string
	Body    string
}

// SMS is a rendered text message.
type SMS struct {
	To   string
	Body string
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

const signature = "\n\nThe Billing Team\n"

var funcs = template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil {
			return "the end of your current billing period"
		}
		return t.UTC().Format("January 2, 2006")
	},
	"amount": func(d payloads.SideEffect) string {
		if d.AmountDue == "" {
			return "the outstanding balance"
		}
		return strings.TrimSpace(d.AmountDue + " " + d.Currency)
	},
}

func mustEmail(subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New("subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New("body").Funcs(funcs).Parse("{{if .CustomerName}}Hi {{.CustomerName}},{{else}}Hello,{{end}}\n\n" + body + signature)),
	}
}

var emailTemplates = map[enums.SideEffectKind]emailTemplate{
	enums.SideEffectCancellationScheduledEmail: mustEmail(
		"Your subscription will end on {{date .EffectiveAt}}",
		"We received your cancellation request. Your subscription stays active until {{date .EffectiveAt}} and will not renew after that.{{if .Reason}}\n\nReason on file: {{.Reason}}{{end}}\n\nChanged your mind? You can keep your subscription any time before that date.",
	),
	enums.SideEffectCancellationEmail: mustEmail(
		"Your subscription has been cancelled",
		"Your subscription {{.ExternalSubscriptionID}} was cancelled on {{date .EffectiveAt}} and dashboard access has ended.\n\nIf you would like to come back, you can request reactivation from your account page.",
	),
	enums.SideEffectReactivationRequestedEmail: mustEmail(
		"We received your reactivation request",
		"Your subscription {{.ExternalSubscriptionID}} is being reactivated. Access returns as soon as the next payment goes through.",
	),
	enums.SideEffectReactivationEmail: mustEmail(
		"Welcome back, your subscription is active again",
		"Your payment went through and subscription {{.ExternalSubscriptionID}} is active again. Your dashboard access has been restored.",
	),
	enums.SideEffectPastDueAlert: mustEmail(
		"Payment failed for your subscription",
		"We could not collect {{amount .}} for subscription {{.ExternalSubscriptionID}}.{{if .EffectiveAt}} We will try again on {{date .EffectiveAt}}.{{end}}\n\nPlease update your payment method to keep your access.",
	),
	enums.SideEffectPaymentRecoveredEmail: mustEmail(
		"Payment received, thank you",
		"We received your payment of {{amount .}}. Subscription {{.ExternalSubscriptionID}} is back in good standing.",
	),
}

var smsTemplates = map[enums.SideEffectKind]*template.Template{
	enums.SideEffectPastDueSMS: template.Must(template.New("sms").Funcs(funcs).Parse(
		"Billing: we couldn't collect {{amount .}} for your subscription. Please update your payment method to keep access.",
	)),
}

// Renderer turns intent payloads into messages.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Email renders an email intent. The recipient must be known.
func (r *Renderer) Email(kind enums.SideEffectKind, data payloads.SideEffect) (Email, error) {
	tmpl, ok := emailTemplates[kind]
	if !ok {
		return Email{}, fmt.Errorf("no email template for %s", kind)
	}
	if strings.TrimSpace(data.CustomerEmail) == "" {
		return Email{}, ErrNoRecipient
	}
	subject, err := execute(tmpl.subject, data)
	if err != nil {
		return Email{}, err
	}
	body, err := execute(tmpl.body, data)
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail: data.CustomerEmail,
		ToName:  data.CustomerName,
		Subject: subject,
		Body:    body,
	}, nil
}

// SMS renders a text message intent.
func (r *Renderer) SMS(kind enums.SideEffectKind, data payloads.SideEffect) (SMS, error) {
	tmpl, ok := smsTemplates[kind]
	if !ok {
		return SMS{}, fmt.Errorf("no sms template for %s", kind)
	}
	if strings.TrimSpace(data.CustomerPhone) == "" {
		return SMS{}, ErrNoRecipient
	}
	body, err := execute(tmpl, data)
	if err != nil {
		return SMS{}, err
	}
	return SMS{To: data.CustomerPhone, Body: body}, nil
}

func execute(tmpl *template.Template, data payloads.SideEffect) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
