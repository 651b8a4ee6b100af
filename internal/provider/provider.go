package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoActiveSubscription indicates the provider account has no non-canceled subscription.
var ErrNoActiveSubscription = errors.New("provider: no active subscription")

// Subscription is the provider's current seat-based subscription for an account.
type Subscription struct {
	ID                string
	ItemID            string
	ExternalAccountID string
	Quantity          int64
	ProrationAnchor   int64
}

// Provider is the call boundary to the payment provider's subscription API.
type Provider interface {
	GetSubscription(ctx context.Context, externalAccountID string) (Subscription, error)
	UpdateSubscription(ctx context.Context, subscription Subscription, quantity int64, prorationAnchor int64, idempotencyKey string) error
}

// ErrorClass groups provider failures by how the processor reacts to them.
type ErrorClass string

const (
	// ErrorClassCard is a customer-actionable payment failure scoped to one tenant.
	ErrorClassCard ErrorClass = "card_error"
	// ErrorClassConnection is a transient transport or rate-limit failure.
	ErrorClassConnection ErrorClass = "connection_error"
	// ErrorClassOther covers every remaining provider failure.
	ErrorClassOther ErrorClass = "other"
)

// Error is a classified provider failure.
type Error struct {
	Class      ErrorClass
	Code       string
	Param      string
	Message    string
	HTTPStatus int
	err        error
}

// NewError builds a classified provider error wrapping cause.
func NewError(class ErrorClass, code, message string, cause error) *Error {
	return &Error{Class: class, Code: code, Message: message, err: cause}
}

func (e *Error) Error() string {
	message := fmt.Sprintf("provider %s", e.Class)
	if e.Code != "" {
		message += " (" + e.Code + ")"
	}
	if e.Message != "" {
		message += ": " + e.Message
	}
	if e.err != nil && e.Message == "" {
		message += ": " + e.err.Error()
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.err
}

// Classify reports the class of err. Unclassified network failures count as
// connection errors; anything else is other.
func Classify(err error) ErrorClass {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassConnection
	}
	return ErrorClassOther
}

// IsCardError reports whether err isolates a tenant.
func IsCardError(err error) bool {
	return err != nil && Classify(err) == ErrorClassCard
}
