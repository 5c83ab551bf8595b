package sendgrid

import (
	"context"
	"errors"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/agencyworks/billing-reconciler/pkg/config"
)

type stubSender struct {
	resp *rest.Response
	err  error
	last *mail.SGMailV3
}

func (s *stubSender) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	s.last = email
	return s.resp, s.err
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), config.SendgridConfig{}, nil); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestSendAccepted(t *testing.T) {
	stub := &stubSender{resp: &rest.Response{StatusCode: 202}}
	c := &Client{api: stub, fromAddr: "billing@example.com", fromName: "Billing"}
	err := c.Send(context.Background(), Message{ToEmail: "jane@example.com", ToName: "Jane", Subject: "Hi", Body: "text"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.last == nil || stub.last.Subject != "Hi" || stub.last.From.Address != "billing@example.com" {
		t.Fatalf("unexpected message %+v", stub.last)
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: 400, permanent: true},
		{name: "throttled", status: 429, permanent: false},
		{name: "server", status: 503, permanent: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{api: &stubSender{resp: &rest.Response{StatusCode: tc.status, Body: "nope"}}}
			err := c.Send(context.Background(), Message{ToEmail: "a@b.c"})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsPermanent(err) != tc.permanent {
				t.Fatalf("expected permanent=%t, got %t", tc.permanent, IsPermanent(err))
			}
		})
	}
}

func TestSendTransportErrorIsRetryable(t *testing.T) {
	c := &Client{api: &stubSender{err: errors.New("dial tcp: timeout")}}
	err := c.Send(context.Background(), Message{ToEmail: "a@b.c"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestSendWithoutRecipientIsPermanent(t *testing.T) {
	c := &Client{api: &stubSender{}}
	if err := c.Send(context.Background(), Message{}); !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
