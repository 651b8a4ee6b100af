package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemoryProvider keeps subscriptions in process. Repeated idempotency keys are
// acknowledged without being applied again, as a real provider does.
type MemoryProvider struct {
	mu            sync.Mutex
	subscriptions map[string]Subscription
	appliedKeys   map[string]struct{}
	failures      map[string][]error
	lostAcks      map[string]int
	applied       int
}

// NewMemoryProvider constructs an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		subscriptions: make(map[string]Subscription),
		appliedKeys:   make(map[string]struct{}),
		failures:      make(map[string][]error),
		lostAcks:      make(map[string]int),
	}
}

// Seed creates or replaces the active subscription of an account.
func (p *MemoryProvider) Seed(externalAccountID string, quantity int64) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subscription := Subscription{
		ID:                "sub_" + externalAccountID,
		ItemID:            "si_" + externalAccountID,
		ExternalAccountID: externalAccountID,
		Quantity:          quantity,
	}
	p.subscriptions[externalAccountID] = subscription
	return subscription
}

// Lookup returns the stored subscription of an account.
func (p *MemoryProvider) Lookup(externalAccountID string) (Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subscription, ok := p.subscriptions[externalAccountID]
	return subscription, ok
}

// FailNextUpdate queues err as the result of the account's next update call.
func (p *MemoryProvider) FailNextUpdate(externalAccountID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[externalAccountID] = append(p.failures[externalAccountID], err)
}

// LoseNextAck applies the account's next update but reports a connection
// failure, as when the response is lost after the provider committed it.
func (p *MemoryProvider) LoseNextAck(externalAccountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostAcks[externalAccountID]++
}

// AppliedKeys lists the idempotency keys that changed a subscription, sorted.
func (p *MemoryProvider) AppliedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.appliedKeys))
	for key := range p.appliedKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AppliedCount reports how many updates changed a subscription.
func (p *MemoryProvider) AppliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

// GetSubscription returns the account's active subscription.
func (p *MemoryProvider) GetSubscription(_ context.Context, externalAccountID string) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subscription, ok := p.subscriptions[externalAccountID]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: account %s", ErrNoActiveSubscription, externalAccountID)
	}
	return subscription, nil
}

// UpdateSubscription sets the subscription quantity and proration anchor.
func (p *MemoryProvider) UpdateSubscription(_ context.Context, subscription Subscription, quantity int64, prorationAnchor int64, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := subscription.ExternalAccountID
	if queued := p.failures[account]; len(queued) > 0 {
		p.failures[account] = queued[1:]
		return queued[0]
	}
	if idempotencyKey == "" {
		return NewError(ErrorClassOther, "missing_idempotency_key", "idempotency key required", nil)
	}
	if _, seen := p.appliedKeys[idempotencyKey]; seen {
		return nil
	}

	stored, ok := p.subscriptions[account]
	if !ok || stored.ID != subscription.ID {
		return NewError(ErrorClassOther, "resource_missing", "no such subscription: "+subscription.ID, ErrNoActiveSubscription)
	}
	if quantity < 0 {
		invalid := NewError(ErrorClassOther, "parameter_invalid_integer", "quantity must be non-negative", nil)
		invalid.Param = "quantity"
		invalid.HTTPStatus = 400
		return invalid
	}

	stored.Quantity = quantity
	stored.ProrationAnchor = prorationAnchor
	p.subscriptions[account] = stored
	p.appliedKeys[idempotencyKey] = struct{}{}
	p.applied++

	if p.lostAcks[account] > 0 {
		p.lostAcks[account]--
		return NewError(ErrorClassConnection, "response_lost", "", errors.New("connection reset after request was sent"))
	}
	return nil
}
