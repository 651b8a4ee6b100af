package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	operationGetSubscription    = "get_subscription"
	operationUpdateSubscription = "update_subscription"
	resultOK                    = "ok"
)

// CallObserver records provider call outcomes.
type CallObserver interface {
	ObserveProviderCall(operation string, result string, duration time.Duration)
}

type instrumented struct {
	next     Provider
	observer CallObserver
	logger   *zap.Logger
	clock    func() time.Time
}

// Instrument wraps next so every call is timed, classified and, on failure, logged.
func Instrument(next Provider, observer CallObserver, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumented{next: next, observer: observer, logger: logger, clock: time.Now}
}

func (p *instrumented) GetSubscription(ctx context.Context, externalAccountID string) (Subscription, error) {
	startedAt := p.clock()
	subscription, err := p.next.GetSubscription(ctx, externalAccountID)
	p.record(operationGetSubscription, startedAt, err, zap.String("external_account_id", externalAccountID))
	return subscription, err
}

func (p *instrumented) UpdateSubscription(ctx context.Context, subscription Subscription, quantity int64, prorationAnchor int64, idempotencyKey string) error {
	startedAt := p.clock()
	err := p.next.UpdateSubscription(ctx, subscription, quantity, prorationAnchor, idempotencyKey)
	p.record(operationUpdateSubscription, startedAt, err,
		zap.String("external_account_id", subscription.ExternalAccountID),
		zap.String("subscription_id", subscription.ID),
		zap.Int64("quantity", quantity),
		zap.String("idempotency_key", idempotencyKey))
	return err
}

func (p *instrumented) record(operation string, startedAt time.Time, err error, fields ...zap.Field) {
	result := resultOK
	if err != nil {
		result = string(Classify(err))
	}
	if p.observer != nil {
		p.observer.ObserveProviderCall(operation, result, p.clock().Sub(startedAt))
	}
	if err == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("class", result),
		zap.Error(err),
	}
	var providerErr *Error
	if errors.As(err, &providerErr) {
		attrs = append(attrs,
			zap.Int("http_status", providerErr.HTTPStatus),
			zap.String("code", providerErr.Code),
			zap.String("param", providerErr.Param))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("provider error", attrs...)
}
