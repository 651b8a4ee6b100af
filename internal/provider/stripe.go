package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/subscription"
	"go.uber.org/zap"
)

var errMissingStripeKey = errors.New("provider: stripe secret key is required")

type stripeSubscriptions interface {
	List(params *stripe.SubscriptionListParams) *subscription.Iter
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey string
	Logger    *zap.Logger
}

// StripeProvider adapts the Stripe subscriptions API.
type StripeProvider struct {
	subscriptions stripeSubscriptions
	logger        *zap.Logger
}

// NewStripeProvider constructs a Stripe-backed provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, errMissingStripeKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := client.New(secretKey, nil)
	return &StripeProvider{subscriptions: api.Subscriptions, logger: logger}, nil
}

// GetSubscription returns the first non-canceled subscription of the customer.
func (p *StripeProvider) GetSubscription(ctx context.Context, externalAccountID string) (Subscription, error) {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(externalAccountID)}
	params.Context = ctx
	iterator := p.subscriptions.List(params)
	listed := make([]*stripe.Subscription, 0, 1)
	for iterator.Next() {
		listed = append(listed, iterator.Subscription())
	}
	if err := iterator.Err(); err != nil {
		return Subscription{}, translateStripeError(err)
	}
	current, err := currentSubscription(externalAccountID, listed)
	if err != nil {
		return Subscription{}, err
	}
	return current, nil
}

// UpdateSubscription sets the seat quantity with a proration anchor under an idempotency key.
func (p *StripeProvider) UpdateSubscription(ctx context.Context, current Subscription, quantity int64, prorationAnchor int64, idempotencyKey string) error {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:       stripe.String(current.ItemID),
				Quantity: stripe.Int64(quantity),
			},
		},
		ProrationDate: stripe.Int64(prorationAnchor),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := p.subscriptions.Update(current.ID, params)
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeIdempotency {
		// The key was already used for this entry; its first request is the one that counts.
		p.logger.Warn("stripe idempotency key replayed with different parameters",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("subscription_id", current.ID),
			zap.String("request_id", stripeErr.RequestID))
		return nil
	}
	return translateStripeError(err)
}

func currentSubscription(externalAccountID string, listed []*stripe.Subscription) (Subscription, error) {
	for _, candidate := range listed {
		if candidate == nil || candidate.Status == stripe.SubscriptionStatusCanceled {
			continue
		}
		if candidate.Items == nil || len(candidate.Items.Data) == 0 {
			return Subscription{}, fmt.Errorf("provider: subscription %s has no items", candidate.ID)
		}
		item := candidate.Items.Data[0]
		return Subscription{
			ID:                candidate.ID,
			ItemID:            item.ID,
			ExternalAccountID: externalAccountID,
			Quantity:          item.Quantity,
		}, nil
	}
	return Subscription{}, fmt.Errorf("%w: customer %s", ErrNoActiveSubscription, externalAccountID)
}

func translateStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &Error{Class: Classify(err), Message: err.Error(), err: err}
	}
	class := ErrorClassOther
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		class = ErrorClassCard
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		class = ErrorClassConnection
	}
	return &Error{
		Class:      class,
		Code:       string(stripeErr.Code),
		Param:      stripeErr.Param,
		Message:    stripeErr.Msg,
		HTTPStatus: stripeErr.HTTPStatusCode,
		err:        err,
	}
}
