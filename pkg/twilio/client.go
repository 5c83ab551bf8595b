package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tw "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

const defaultTimeout = 10 * time.Second

var errNotConfigured = errors.New("twilio credentials are not configured")

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Client sends SMS alerts through Twilio.
type Client struct {
	api     messageCreator
	from    string
	timeout time.Duration
}

// NewClient builds a Twilio client. It fails when any credential is missing.
func NewClient(ctx context.Context, cfg config.TwilioConfig, logg *logger.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errNotConfigured
	}
	rest := tw.NewRestClientWithParams(tw.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	// the generated API takes no context, so the HTTP client bounds every call
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rest.SetTimeout(timeout)
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("twilio client initialized (timeout=%s)", timeout))
	}
	return &Client{api: rest.Api, from: cfg.FromNumber, timeout: timeout}, nil
}

// Send delivers body to the phone number and returns the message SID.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	if c == nil || c.api == nil {
		return "", errNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errors.New("recipient phone is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	type created struct {
		msg *openapi.ApiV2010Message
		err error
	}
	done := make(chan created, 1)
	go func() {
		msg, err := c.api.CreateMessage(params)
		done <- created{msg: msg, err: err}
	}()

	var res created
	select {
	case <-ctx.Done():
		// the request itself is abandoned to the HTTP client timeout
		return "", ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return "", fmt.Errorf("twilio create message: %w", res.err)
	}
	if res.msg == nil || res.msg.Sid == nil {
		return "", nil
	}
	return *res.msg.Sid, nil
}
