package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoAlertTopic      = errors.New("pubsub alert topic is required")
	errNotInitialized    = errors.New("pubsub alert publisher not initialized")
)

// Alerts are rare and each one matters; flush them promptly rather than batching.
const alertFlushDelay = 50 * time.Millisecond

// Client publishes operational alerts to a single topic.
type Client struct {
	client *pubsub.Client
	topic  string
	alerts *pubsub.Publisher
}

// NewClient connects to Pub/Sub and fails fast when the alert topic is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if !cfg.Enabled() {
		return nil, errNoAlertTopic
	}
	topic, err := TopicName(gcp.ProjectID, cfg.AlertTopic)
	if err != nil {
		return nil, err
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, topic: topic}
	if err := c.checkTopic(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}
	c.alerts = psClient.Publisher(topic)
	c.alerts.PublishSettings.DelayThreshold = alertFlushDelay

	if logg != nil {
		logg.Info(logg.WithField(ctx, "topic", topic), "pubsub.alerts_ready")
	}
	return c, nil
}

// TopicName expands a short topic id into its projects/<p>/topics/<t> resource
// name. Fully qualified names pass through untouched.
func TopicName(projectID, name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", errNoAlertTopic
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n, nil
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return "", errProjectIDRequired
	}
	return "projects/" + p + "/topics/" + n, nil
}

func (c *Client) checkTopic(ctx context.Context) error {
	_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: c.topic})
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("topic %q does not exist", c.topic)
	default:
		return fmt.Errorf("checking topic %q: %w", c.topic, err)
	}
}

// PublishAlert publishes alert and waits for the server ack.
func (c *Client) PublishAlert(ctx context.Context, alert Alert) (string, error) {
	if c == nil || c.alerts == nil {
		return "", errNotInitialized
	}
	data, err := alert.encode()
	if err != nil {
		return "", fmt.Errorf("encode alert: %w", err)
	}
	id, err := c.alerts.Publish(ctx, &pubsub.Message{Data: data, Attributes: alert.attributes()}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish alert: %w", err)
	}
	return id, nil
}

// Ping confirms the alert topic is still reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.checkTopic(ctx)
}

// Close flushes pending alerts and releases the client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.alerts != nil {
		c.alerts.Stop()
	}
	return c.client.Close()
}
