package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/subscription"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultTolerance = 5 * time.Minute
)

var (
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errAPIKeyMissing    = errors.New("stripe api key not configured")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps Stripe API lookups plus env-specific metadata.
// The API key is optional; without it only signature verification is available.
type Client struct {
	environment   string
	signingSecret string
	tolerance     time.Duration
	hasAPIKey     bool
}

// CustomerContact is the subset of a processor customer used for notifications.
type CustomerContact struct {
	ID    string
	Email string
	Name  string
	Phone string
}

// SubscriptionSnapshot is the processor's current view of a subscription.
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	CanceledAt        *time.Time
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	tolerance := cfg.SignatureTolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	c := &Client{
		environment:   env,
		signingSecret: signingSecret,
		tolerance:     tolerance,
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey != "" {
		if err := validateAPIKey(env, apiKey); err != nil {
			return nil, err
		}
		stripe.Key = apiKey
		c.hasAPIKey = true
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s, api=%t)", env, c.hasAPIKey))
	}

	return c, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Tolerance returns the accepted signature age.
func (c *Client) Tolerance() time.Duration {
	if c == nil || c.tolerance <= 0 {
		return defaultTolerance
	}
	return c.tolerance
}

// LookupsEnabled reports whether API reads are possible.
func (c *Client) LookupsEnabled() bool {
	return c != nil && c.hasAPIKey
}

// LookupCustomer fetches contact details for a processor customer.
func (c *Client) LookupCustomer(ctx context.Context, customerID string) (*CustomerContact, error) {
	if !c.LookupsEnabled() {
		return nil, errAPIKeyMissing
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := customer.Get(customerID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch stripe customer %s: %w", customerID, err)
	}
	if cust == nil || cust.Deleted {
		return nil, nil
	}
	return &CustomerContact{
		ID:    cust.ID,
		Email: cust.Email,
		Name:  cust.Name,
		Phone: cust.Phone,
	}, nil
}

// FetchSubscription returns the processor's view of a subscription or nil when it no longer exists.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	if !c.LookupsEnabled() {
		return nil, errAPIKeyMissing
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch stripe subscription %s: %w", subscriptionID, err)
	}
	if sub == nil {
		return nil, nil
	}
	snap := &SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if end := unixPtr(item.CurrentPeriodEnd); end != nil && (snap.CurrentPeriodEnd == nil || end.After(*snap.CurrentPeriodEnd)) {
				snap.CurrentPeriodEnd = end
			}
		}
	}
	return snap, nil
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
