package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/provider"
)

const idempotencyKeyNamespace = "process_billing_log_entry:"

// Arguments are the handler inputs decoded from an entry's extra data.
type Arguments struct {
	Quantity *int64 `json:"quantity"`
}

// HandlerRequest is everything a handler needs to apply one entry.
type HandlerRequest struct {
	Account         accounts.Account
	ProrationAnchor int64
	IdempotencyKey  string
	Arguments       Arguments
}

// Handler applies one event type's effect on the provider subscription.
type Handler interface {
	Handle(ctx context.Context, subscriptions provider.Provider, request HandlerRequest) error
}

// SetQuantity sets the subscription to the absolute quantity carried by the entry.
type SetQuantity struct{}

// Handle implements Handler.
func (SetQuantity) Handle(ctx context.Context, subscriptions provider.Provider, request HandlerRequest) error {
	if request.Arguments.Quantity == nil {
		return ErrMissingQuantity
	}
	return SetSubscriptionQuantity(ctx, subscriptions, request.Account, request.ProrationAnchor, request.IdempotencyKey, *request.Arguments.Quantity)
}

// AdjustQuantity moves the subscription quantity by Delta.
type AdjustQuantity struct {
	Delta int64
}

// Handle implements Handler.
func (h AdjustQuantity) Handle(ctx context.Context, subscriptions provider.Provider, request HandlerRequest) error {
	return AdjustSubscriptionQuantity(ctx, subscriptions, request.Account, request.ProrationAnchor, request.IdempotencyKey, h.Delta)
}

var (
	// Increment adds one seat.
	Increment = AdjustQuantity{Delta: 1}
	// Decrement removes one seat.
	Decrement = AdjustQuantity{Delta: -1}
)

// DefaultHandlers is the static registration table of billing-relevant event types.
func DefaultHandlers() map[auditlog.EventType]Handler {
	return map[auditlog.EventType]Handler{
		auditlog.EventTypeSubscriptionQuantityReset: SetQuantity{},
		auditlog.EventTypeUserCreated:               Increment,
		auditlog.EventTypeUserActivated:             Increment,
		auditlog.EventTypeUserDeactivated:           Decrement,
		auditlog.EventTypeUserReactivated:           Increment,
	}
}

// SetSubscriptionQuantity sets the account's current subscription to quantity.
func SetSubscriptionQuantity(ctx context.Context, subscriptions provider.Provider, account accounts.Account, prorationAnchor int64, idempotencyKey string, quantity int64) error {
	current, err := subscriptions.GetSubscription(ctx, account.ExternalAccountID)
	if err != nil {
		return err
	}
	return subscriptions.UpdateSubscription(ctx, current, quantity, prorationAnchor, idempotencyKey)
}

// AdjustSubscriptionQuantity moves the account's current subscription by delta.
// Negative results are left for the provider to reject.
func AdjustSubscriptionQuantity(ctx context.Context, subscriptions provider.Provider, account accounts.Account, prorationAnchor int64, idempotencyKey string, delta int64) error {
	current, err := subscriptions.GetSubscription(ctx, account.ExternalAccountID)
	if err != nil {
		return err
	}
	return subscriptions.UpdateSubscription(ctx, current, current.Quantity+delta, prorationAnchor, idempotencyKey)
}

// IdempotencyKey derives the provider idempotency key of an entry from its id alone.
func IdempotencyKey(entryID int64) string {
	return idempotencyKeyNamespace + strconv.FormatInt(entryID, 10)
}

// ProrationAnchor converts an event time to the provider's unix-seconds representation.
func ProrationAnchor(eventTime time.Time) int64 {
	return eventTime.UTC().Unix()
}

func parseArguments(extraData *string) (Arguments, error) {
	var arguments Arguments
	if extraData == nil || strings.TrimSpace(*extraData) == "" {
		return arguments, nil
	}
	if err := json.Unmarshal([]byte(*extraData), &arguments); err != nil {
		return Arguments{}, fmt.Errorf("%w: %v", ErrInvalidExtraData, err)
	}
	return arguments, nil
}
