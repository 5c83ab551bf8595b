package dispatcher

import (
	"errors"

	"github.com/agencyworks/billing-reconciler/internal/access"
	"github.com/agencyworks/billing-reconciler/internal/notifications"
	"github.com/agencyworks/billing-reconciler/pkg/sendgrid"
)

// permanentError marks a failure that another attempt cannot fix.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	switch {
	case errors.As(err, &p):
		return true
	case errors.Is(err, notifications.ErrNoRecipient), errors.Is(err, access.ErrMissingCustomer):
		return true
	default:
		return sendgrid.IsPermanent(err)
	}
}
