package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"
)

func TestMemoryProviderDeduplicatesIdempotencyKeys(t *testing.T) {
	memory := NewMemoryProvider()
	ctx := context.Background()
	memory.Seed("cus_1", 4)

	subscription, err := memory.GetSubscription(ctx, "cus_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := memory.UpdateSubscription(ctx, subscription, 5, 1700000000, "key-1"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := memory.UpdateSubscription(ctx, subscription, 6, 1700000100, "key-1"); err != nil {
		t.Fatalf("replayed update failed: %v", err)
	}

	stored, _ := memory.Lookup("cus_1")
	if stored.Quantity != 5 || stored.ProrationAnchor != 1700000000 {
		t.Fatalf("expected first application to win, got %#v", stored)
	}
	if memory.AppliedCount() != 1 {
		t.Fatalf("expected one applied update, got %d", memory.AppliedCount())
	}
}

func TestMemoryProviderValidatesQuantity(t *testing.T) {
	memory := NewMemoryProvider()
	subscription := memory.Seed("cus_1", 0)

	err := memory.UpdateSubscription(context.Background(), subscription, -1, 1700000000, "key-neg")
	if Classify(err) != ErrorClassOther {
		t.Fatalf("expected other-class validation error, got %v", err)
	}
	var providerErr *Error
	if !errors.As(err, &providerErr) || providerErr.Param != "quantity" {
		t.Fatalf("expected quantity parameter error, got %v", err)
	}
}

func TestMemoryProviderReportsMissingSubscription(t *testing.T) {
	memory := NewMemoryProvider()

	_, err := memory.GetSubscription(context.Background(), "cus_missing")
	if !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}

func TestMemoryProviderQueuedFailuresAndLostAcks(t *testing.T) {
	memory := NewMemoryProvider()
	ctx := context.Background()
	subscription := memory.Seed("cus_1", 1)

	memory.FailNextUpdate("cus_1", NewError(ErrorClassCard, "card_declined", "declined", nil))
	if err := memory.UpdateSubscription(ctx, subscription, 2, 1, "key-a"); !IsCardError(err) {
		t.Fatalf("expected card error, got %v", err)
	}

	memory.LoseNextAck("cus_1")
	err := memory.UpdateSubscription(ctx, subscription, 2, 1, "key-a")
	if Classify(err) != ErrorClassConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
	stored, _ := memory.Lookup("cus_1")
	if stored.Quantity != 2 {
		t.Fatalf("lost ack must still apply the update, got quantity %d", stored.Quantity)
	}
	if keys := memory.AppliedKeys(); len(keys) != 1 || keys[0] != "key-a" {
		t.Fatalf("unexpected applied keys %v", keys)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{name: "card", err: NewError(ErrorClassCard, "card_declined", "", nil), expected: ErrorClassCard},
		{name: "wrapped-card", err: fmt.Errorf("handler: %w", NewError(ErrorClassCard, "", "", nil)), expected: ErrorClassCard},
		{name: "network", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, expected: ErrorClassConnection},
		{name: "plain", err: errors.New("boom"), expected: ErrorClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
	if IsCardError(nil) {
		t.Fatalf("nil must not be a card error")
	}
}

func TestTranslateStripeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "card-declined",
			err:      &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCode("card_declined"), HTTPStatusCode: 402, Msg: "Your card was declined."},
			expected: ErrorClassCard,
		},
		{
			name:     "rate-limited",
			err:      &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429},
			expected: ErrorClassConnection,
		},
		{
			name:     "invalid-request",
			err:      &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400, Param: "quantity"},
			expected: ErrorClassOther,
		},
		{
			name:     "transport",
			err:      &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")},
			expected: ErrorClassConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			translated := translateStripeError(tt.err)
			if got := Classify(translated); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
			if !errors.Is(translated, tt.err) {
				t.Fatalf("translated error must wrap the original")
			}
		})
	}
}

func TestCurrentSubscriptionSkipsCanceled(t *testing.T) {
	listed := []*stripe.Subscription{
		{
			ID:     "sub_old",
			Status: stripe.SubscriptionStatusCanceled,
			Items:  &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{ID: "si_old", Quantity: 9}}},
		},
		{
			ID:     "sub_live",
			Status: stripe.SubscriptionStatusActive,
			Items:  &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{ID: "si_live", Quantity: 3}}},
		},
	}

	current, err := currentSubscription("cus_1", listed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.ID != "sub_live" || current.ItemID != "si_live" || current.Quantity != 3 {
		t.Fatalf("unexpected subscription %#v", current)
	}

	if _, err := currentSubscription("cus_1", listed[:1]); !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}

type recordingObserver struct {
	operations []string
	results    []string
}

func (o *recordingObserver) ObserveProviderCall(operation string, result string, _ time.Duration) {
	o.operations = append(o.operations, operation)
	o.results = append(o.results, result)
}

func TestInstrumentRecordsOutcomes(t *testing.T) {
	memory := NewMemoryProvider()
	observer := &recordingObserver{}
	wrapped := Instrument(memory, observer, nil)
	ctx := context.Background()

	subscription := memory.Seed("cus_1", 1)
	memory.FailNextUpdate("cus_1", NewError(ErrorClassCard, "card_declined", "", nil))

	if _, err := wrapped.GetSubscription(ctx, "cus_1"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := wrapped.UpdateSubscription(ctx, subscription, 2, 1, "key"); !IsCardError(err) {
		t.Fatalf("expected card error to pass through, got %v", err)
	}

	if len(observer.results) != 2 || observer.results[0] != "ok" || observer.results[1] != string(ErrorClassCard) {
		t.Fatalf("unexpected observations %v / %v", observer.operations, observer.results)
	}
}
