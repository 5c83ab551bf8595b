package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/sendgrid"
	"github.com/agencyworks/billing-reconciler/pkg/twilio"
)

// ErrNoRecipient means the payload has no address to deliver to. Retrying cannot fix it.
var ErrNoRecipient = errors.New("no recipient")

type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, msg SMS) error
}

type sendgridSender struct {
	client *sendgrid.Client
}

// NewSendgridSender adapts the SendGrid client to EmailSender.
func NewSendgridSender(client *sendgrid.Client) EmailSender {
	return &sendgridSender{client: client}
}

func (s *sendgridSender) SendEmail(ctx context.Context, msg Email) error {
	return s.client.Send(ctx, sendgrid.Message{
		ToEmail: msg.ToEmail,
		ToName:  msg.ToName,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
}

type twilioSender struct {
	client *twilio.Client
	logg   *logger.Logger
}

// NewTwilioSender adapts the Twilio client to SMSSender.
func NewTwilioSender(client *twilio.Client, logg *logger.Logger) SMSSender {
	return &twilioSender{client: client, logg: logg}
}

func (s *twilioSender) SendSMS(ctx context.Context, msg SMS) error {
	sid, err := s.client.Send(ctx, msg.To, msg.Body)
	if err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "message_sid", sid), "sms sent")
	}
	return nil
}

// LogEmailSender writes emails to the log instead of delivering them. Used when no
// provider is configured outside production.
type LogEmailSender struct {
	Logger *logger.Logger
}

func (s LogEmailSender) SendEmail(ctx context.Context, msg Email) error {
	if s.Logger != nil {
		s.Logger.Info(s.Logger.WithFields(ctx, map[string]any{
			"to":      msg.ToEmail,
			"subject": msg.Subject,
		}), "email delivery skipped, no provider configured")
	}
	return nil
}

// SendersFromConfig builds the delivery channels the config enables. Email falls
// back to LogEmailSender outside production when SendGrid is not configured. The
// SMS sender is nil unless the feature flag is on and Twilio credentials are set.
func SendersFromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (EmailSender, SMSSender, error) {
	var email EmailSender
	sg, err := sendgrid.NewClient(ctx, cfg.Sendgrid, logg)
	switch {
	case err == nil:
		email = NewSendgridSender(sg)
	case cfg.App.IsProd():
		return nil, nil, fmt.Errorf("sendgrid: %w", err)
	default:
		if logg != nil {
			logg.Warn(ctx, "sendgrid not configured, emails will be logged only")
		}
		email = LogEmailSender{Logger: logg}
	}

	if !cfg.FeatureFlags.SMSAlerts || !cfg.Twilio.Enabled() {
		return email, nil, nil
	}
	tw, err := twilio.NewClient(ctx, cfg.Twilio, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("twilio: %w", err)
	}
	return email, NewTwilioSender(tw, logg), nil
}
