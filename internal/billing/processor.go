package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/events"
	"github.com/MarcoPoloResearchLab/seatsync/internal/provider"
	"go.uber.org/zap"
)

// Step outcomes reported to the StepObserver.
const (
	OutcomeIdle      = "idle"
	OutcomeDrained   = "drained"
	OutcomeProcessed = "processed"
	OutcomeIsolated  = "isolated"
	OutcomeStalled   = "stalled"
	OutcomeFailed    = "failed"
)

// AccountDirectory resolves the billing account of a realm.
type AccountDirectory interface {
	GetAccount(ctx context.Context, realmID auditlog.RealmID) (accounts.Account, error)
}

// Notifier receives cursor transitions.
type Notifier interface {
	Publish(event events.CursorEvent)
}

// StepObserver records the outcome of every advance step.
type StepObserver interface {
	ObserveStep(kind string, outcome string)
	ObserveIsolation(kind string)
}

// ProcessorConfig wires the processor's collaborators.
type ProcessorConfig struct {
	Cursors  *cursors.Store
	Accounts AccountDirectory
	Provider provider.Provider
	Handlers map[auditlog.EventType]Handler
	Notifier Notifier
	Observer StepObserver
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Processor replays billing-relevant audit log entries against the provider.
type Processor struct {
	cursors  *cursors.Store
	accounts AccountDirectory
	provider provider.Provider
	handlers map[auditlog.EventType]Handler
	notifier Notifier
	observer StepObserver
	logger   *zap.Logger
	clock    func() time.Time
}

// NewProcessor validates the configuration and constructs a processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Cursors == nil {
		return nil, newServiceError(opProcessorNew, reasonMissingCursorStore, errMissingCursorStore)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opProcessorNew, reasonMissingDirectory, errMissingDirectory)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opProcessorNew, reasonMissingProvider, errMissingProvider)
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = DefaultHandlers()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cursors:  cfg.Cursors,
		accounts: cfg.Accounts,
		provider: cfg.Provider,
		handlers: handlers,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Advance attempts the cursor's next eligible entry. It reports true when an
// entry was attempted, successfully or not, and false when the cursor is idle.
// Card errors are absorbed by isolating the realm; every other failure leaves
// the started checkpoint in place and is returned.
func (p *Processor) Advance(ctx context.Context, cursorID int64) (bool, error) {
	cursor, err := p.cursors.Get(ctx, cursorID)
	if err != nil {
		p.logError(opAdvance, reasonCursorLoadFailed, err, zap.Int64("cursor_id", cursorID))
		return false, newServiceError(opAdvance, reasonCursorLoadFailed, err)
	}
	global := cursor
	if !cursor.IsGlobal() {
		global, err = p.cursors.Global(ctx)
		if err != nil {
			p.logError(opAdvance, reasonCursorLoadFailed, err, zap.Int64("cursor_id", cursorID))
			return false, newServiceError(opAdvance, reasonCursorLoadFailed, err)
		}
	}

	entry, err := p.cursors.NextEligibleEntry(ctx, cursor, global)
	if err != nil {
		p.observeStep(cursor, OutcomeFailed)
		p.logError(opAdvance, reasonLookupFailed, err, cursorFields(cursor)...)
		return false, newServiceError(opAdvance, reasonLookupFailed, err)
	}

	if entry == nil {
		if cursor.IsGlobal() {
			p.observeStep(cursor, OutcomeIdle)
			return false, nil
		}
		if err := p.cursors.Delete(ctx, cursor); err != nil {
			p.observeStep(cursor, OutcomeFailed)
			p.logError(opAdvance, reasonDrainFailed, err, cursorFields(cursor)...)
			return false, newServiceError(opAdvance, reasonDrainFailed, err)
		}
		p.observeStep(cursor, OutcomeDrained)
		p.publish(cursor, events.TransitionDrained, cursor.Watermark())
		p.logger.Info("dedicated cursor drained",
			zap.Int64("cursor_id", cursor.ID),
			zap.Int64("cursor_realm_id", realmOf(cursor)),
			zap.Int64("watermark_entry_id", cursor.Watermark()))
		return false, nil
	}

	processErr := p.ProcessEntry(ctx, &cursor, *entry)
	if processErr == nil {
		p.observeStep(cursor, OutcomeProcessed)
		return true, nil
	}

	if !provider.IsCardError(processErr) {
		p.observeStep(cursor, OutcomeFailed)
		p.logError(opAdvance, reasonHandlerFailed, processErr,
			append(entryFields(cursor, *entry), zap.String("class", string(provider.Classify(processErr))))...)
		return true, processErr
	}

	if cursor.IsGlobal() {
		dedicated, err := p.cursors.IsolateRealm(ctx, &cursor, *entry)
		if err != nil {
			p.observeStep(cursor, OutcomeFailed)
			p.logError(opAdvance, reasonIsolationFailed, err, entryFields(cursor, *entry)...)
			return true, newServiceError(opAdvance, reasonIsolationFailed, errors.Join(processErr, err))
		}
		p.observeStep(cursor, OutcomeIsolated)
		p.observeIsolation(cursor)
		p.publish(dedicated, events.TransitionIsolated, entry.ID)
		p.logger.Warn("realm isolated after card error",
			append(entryFields(cursor, *entry),
				zap.Int64("dedicated_cursor_id", dedicated.ID),
				zap.Error(processErr))...)
		return true, nil
	}

	if err := p.cursors.MarkStalled(ctx, &cursor); err != nil {
		p.observeStep(cursor, OutcomeFailed)
		p.logError(opAdvance, reasonStallFailed, err, entryFields(cursor, *entry)...)
		return true, newServiceError(opAdvance, reasonStallFailed, errors.Join(processErr, err))
	}
	p.observeStep(cursor, OutcomeStalled)
	p.observeIsolation(cursor)
	p.publish(cursor, events.TransitionStalled, entry.ID)
	p.logger.Warn("dedicated cursor stalled after card error",
		append(entryFields(cursor, *entry), zap.Error(processErr))...)
	return true, nil
}

// ProcessEntry checkpoints the cursor at entry, applies the entry's handler, and
// marks the cursor done. The checkpoint is persisted before the provider is called,
// so a crash or failure leaves the cursor started at entry for a keyed retry.
func (p *Processor) ProcessEntry(ctx context.Context, cursor *cursors.Cursor, entry auditlog.Entry) error {
	entryID := entry.ID
	checkpoint := *cursor
	checkpoint.State = cursors.StateStarted
	checkpoint.WatermarkEntryID = &entryID
	if err := p.cursors.Save(ctx, &checkpoint); err != nil {
		return newServiceError(opProcessEntry, reasonCheckpointFailed, err)
	}
	*cursor = checkpoint

	account, err := p.accounts.GetAccount(ctx, entry.Realm())
	if err != nil {
		reason := reasonLookupFailed
		if errors.Is(err, accounts.ErrAccountNotFound) {
			reason = reasonAccountMissing
		}
		return newServiceError(opProcessEntry, reason, err)
	}

	arguments, err := parseArguments(entry.ExtraData)
	if err != nil {
		return newServiceError(opProcessEntry, reasonArgumentsInvalid, err)
	}

	handler, ok := p.handlers[entry.EventType]
	if !ok {
		return newServiceError(opProcessEntry, reasonHandlerMissing, fmt.Errorf("%w: %s", ErrNoHandler, entry.EventType))
	}

	request := HandlerRequest{
		Account:         account,
		ProrationAnchor: ProrationAnchor(entry.EventTime),
		IdempotencyKey:  IdempotencyKey(entry.ID),
		Arguments:       arguments,
	}
	if err := handler.Handle(ctx, p.provider, request); err != nil {
		return newServiceError(opProcessEntry, reasonHandlerFailed, err)
	}

	done := *cursor
	done.State = cursors.StateDone
	if err := p.cursors.Save(ctx, &done); err != nil {
		return newServiceError(opProcessEntry, reasonCompletionFailed, err)
	}
	*cursor = done
	return nil
}

// ClearStall applies an operator resolution to a stalled cursor.
func (p *Processor) ClearStall(ctx context.Context, cursorID int64, resolution cursors.Resolution) (cursors.Cursor, error) {
	cleared, err := p.cursors.ClearStall(ctx, cursorID, resolution)
	if err != nil {
		p.logError(opClearStall, reasonResolutionFailed, err,
			zap.Int64("cursor_id", cursorID),
			zap.String("resolution", string(resolution)))
		return cursors.Cursor{}, newServiceError(opClearStall, reasonResolutionFailed, err)
	}
	p.publish(cleared, events.TransitionCleared, cleared.Watermark())
	p.logger.Info("stall cleared",
		zap.Int64("cursor_id", cleared.ID),
		zap.Int64("cursor_realm_id", realmOf(cleared)),
		zap.String("resolution", string(resolution)),
		zap.String("state", string(cleared.State)))
	return cleared, nil
}

func (p *Processor) publish(cursor cursors.Cursor, transition string, entryID int64) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(events.CursorEvent{
		CursorID:   cursor.ID,
		RealmID:    realmOf(cursor),
		Transition: transition,
		State:      string(cursor.State),
		EntryID:    entryID,
		Timestamp:  p.clock().UTC(),
	})
}

func (p *Processor) observeStep(cursor cursors.Cursor, outcome string) {
	if p.observer != nil {
		p.observer.ObserveStep(cursor.Kind(), outcome)
	}
}

func (p *Processor) observeIsolation(cursor cursors.Cursor) {
	if p.observer != nil {
		p.observer.ObserveIsolation(cursor.Kind())
	}
}

func (p *Processor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("billing processor error", attrs...)
}

func realmOf(cursor cursors.Cursor) int64 {
	if realmID, ok := cursor.Realm(); ok {
		return realmID.Int64()
	}
	return 0
}

func cursorFields(cursor cursors.Cursor) []zap.Field {
	return []zap.Field{
		zap.Int64("cursor_id", cursor.ID),
		zap.Int64("cursor_realm_id", realmOf(cursor)),
		zap.String("cursor_state", string(cursor.State)),
	}
}

func entryFields(cursor cursors.Cursor, entry auditlog.Entry) []zap.Field {
	return append(cursorFields(cursor),
		zap.Int64("entry_id", entry.ID),
		zap.Int64("realm_id", entry.RealmID),
		zap.String("event_type", entry.EventType.String()))
}
