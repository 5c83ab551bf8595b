package sendgrid

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	sg "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

var errAPIKeyRequired = errors.New("sendgrid api key is required")

// Message is a plain-text email addressed to a single recipient.
type Message struct {
	ToEmail string
	ToName  string
	Subject string
	Body    string
}

type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Client sends transactional email through SendGrid.
type Client struct {
	api      sender
	fromAddr string
	fromName string
}

// NewClient builds a SendGrid client from config.
func NewClient(ctx context.Context, cfg config.SendgridConfig, logg *logger.Logger) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	if logg != nil {
		logg.Info(ctx, "sendgrid client initialized")
	}
	return &Client{
		api:      sg.NewSendClient(key),
		fromAddr: cfg.DefaultFrom,
		fromName: cfg.FromName,
	}, nil
}

// Send delivers msg. Non-2xx responses are returned as errors; 4xx responses are
// marked permanent so callers can stop retrying.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c == nil || c.api == nil {
		return errors.New("sendgrid client not initialized")
	}
	if strings.TrimSpace(msg.ToEmail) == "" {
		return &SendError{Status: 0, Body: "recipient email is required", Permanent: true}
	}
	from := mail.NewEmail(c.fromName, c.fromAddr)
	to := mail.NewEmail(msg.ToName, msg.ToEmail)
	email := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

	resp, err := c.api.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp == nil {
		return errors.New("sendgrid send: empty response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &SendError{
		Status:    resp.StatusCode,
		Body:      resp.Body,
		Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429,
	}
}

// SendError describes a rejected send.
type SendError struct {
	Status    int
	Body      string
	Permanent bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sendgrid rejected message (status %d): %s", e.Status, e.Body)
}

// IsPermanent reports whether err is a send failure that will not succeed on retry.
func IsPermanent(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Permanent
}
