package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/billing"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/provider"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type processorFixture struct {
	runner    *Runner
	processor *billing.Processor
	cursors   *cursors.Store
	entries   *auditlog.Store
	provider  *provider.MemoryProvider
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:driver_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&auditlog.Entry{}, &accounts.Account{}, &cursors.Cursor{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := cursors.Bootstrap(db); err != nil {
		t.Fatalf("failed to bootstrap global cursor: %v", err)
	}
	entries, err := auditlog.NewStore(db)
	if err != nil {
		t.Fatalf("failed to build entry store: %v", err)
	}
	cursorStore, err := cursors.NewStore(db, entries)
	if err != nil {
		t.Fatalf("failed to build cursor store: %v", err)
	}
	directory, err := accounts.NewDirectory(db)
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}

	memory := provider.NewMemoryProvider()
	for _, realm := range []int64{1, 2} {
		realmID := auditlog.RealmID(realm)
		if _, err := directory.Upsert(context.Background(), realmID, customerOf(realmID), true); err != nil {
			t.Fatalf("failed to link realm %d: %v", realm, err)
		}
		memory.Seed(customerOf(realmID), 0)
	}

	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Cursors:  cursorStore,
		Accounts: directory,
		Provider: memory,
	})
	if err != nil {
		t.Fatalf("failed to build processor: %v", err)
	}
	runner, err := NewRunner(Config{Stepper: processor, Cursors: cursorStore, Concurrency: 2})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	return &processorFixture{
		runner:    runner,
		processor: processor,
		cursors:   cursorStore,
		entries:   entries,
		provider:  memory,
	}
}

func customerOf(realmID auditlog.RealmID) string {
	return fmt.Sprintf("cus_%d", realmID.Int64())
}

func (f *processorFixture) appendUserCreated(t *testing.T, realm int64) auditlog.Entry {
	t.Helper()
	entry, err := f.entries.Append(context.Background(), auditlog.AppendRequest{
		RealmID:               auditlog.RealmID(realm),
		EventType:             auditlog.EventTypeUserCreated,
		EventTime:             time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
		RequiresBillingUpdate: true,
	})
	if err != nil {
		t.Fatalf("failed to append entry: %v", err)
	}
	return entry
}

func (f *processorFixture) quantity(t *testing.T, realm int64) int64 {
	t.Helper()
	subscription, ok := f.provider.Lookup(customerOf(auditlog.RealmID(realm)))
	if !ok {
		t.Fatalf("no subscription for realm %d", realm)
	}
	return subscription.Quantity
}

func TestRunUntilIdleAppliesRejoinedRealmAfterDrain(t *testing.T) {
	fixture := newProcessorFixture(t)
	ctx := context.Background()

	fixture.appendUserCreated(t, 1)
	fixture.appendUserCreated(t, 2)
	fixture.appendUserCreated(t, 1)
	fixture.appendUserCreated(t, 2)
	fixture.provider.FailNextUpdate(customerOf(1), provider.NewError(provider.ErrorClassCard, "card_declined", "card declined", nil))

	if _, err := fixture.runner.RunUntilIdle(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	dedicated, err := fixture.cursors.ForRealm(ctx, 1)
	if err != nil || dedicated == nil || dedicated.State != cursors.StateStalled {
		t.Fatalf("expected realm 1 to be parked on a stalled cursor, got %v (%v)", dedicated, err)
	}
	if got := fixture.quantity(t, 2); got != 2 {
		t.Fatalf("expected realm 2 quantity 2, got %d", got)
	}

	if _, err := fixture.processor.ClearStall(ctx, dedicated.ID, cursors.ResolutionRetry); err != nil {
		t.Fatalf("clear stall failed: %v", err)
	}
	rejoined := fixture.appendUserCreated(t, 1)

	attempted, err := fixture.runner.RunUntilIdle(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if attempted != 3 {
		t.Fatalf("expected 3 attempted entries, got %d", attempted)
	}
	if got := fixture.quantity(t, 1); got != 3 {
		t.Fatalf("expected realm 1 quantity 3, got %d", got)
	}
	if _, err := fixture.cursors.Get(ctx, dedicated.ID); !errors.Is(err, cursors.ErrCursorNotFound) {
		t.Fatalf("expected dedicated cursor to be drained, got %v", err)
	}
	global, err := fixture.cursors.Global(ctx)
	if err != nil {
		t.Fatalf("load global failed: %v", err)
	}
	if global.Watermark() != rejoined.ID || global.State != cursors.StateDone {
		t.Fatalf("expected global cursor done at %d, got %#v", rejoined.ID, global)
	}
}
