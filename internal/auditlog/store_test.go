package auditlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustAppend(t, store, 1, EventTypeUserCreated, true)
	second := mustAppend(t, store, 2, EventTypeUserCreated, true)
	if second.ID <= first.ID {
		t.Fatalf("expected strictly increasing ids, got %d then %d", first.ID, second.ID)
	}

	loaded, err := store.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Realm() != 2 {
		t.Fatalf("expected realm 2, got %d", loaded.RealmID)
	}
}

func TestAppendRejectsUnknownEventType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(context.Background(), AppendRequest{
		RealmID:   1,
		EventType: EventType("user_teleported"),
		EventTime: time.Unix(1700000000, 0),
	})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestReadEntriesAppliesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustAppend(t, store, 1, EventTypeUserCreated, true)
	mustAppend(t, store, 1, EventTypeBillingCardChanged, false)
	third := mustAppend(t, store, 2, EventTypeUserDeactivated, true)
	fourth := mustAppend(t, store, 1, EventTypeUserActivated, true)

	tests := []struct {
		name     string
		filter   Filter
		expected []int64
	}{
		{
			name:     "billing-only",
			filter:   Filter{RequiresBillingUpdate: true},
			expected: []int64{first.ID, third.ID, fourth.ID},
		},
		{
			name:     "single-realm-after",
			filter:   Filter{RealmIDs: []RealmID{1}, AfterID: first.ID, RequiresBillingUpdate: true},
			expected: []int64{fourth.ID},
		},
		{
			name:     "excluded-realm-before",
			filter:   Filter{ExcludeRealmIDs: []RealmID{1}, BeforeID: fourth.ID},
			expected: []int64{third.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.ReadEntries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if len(entries) != len(tt.expected) {
				t.Fatalf("expected %d entries, got %d", len(tt.expected), len(entries))
			}
			for index, entry := range entries {
				if entry.ID != tt.expected[index] {
					t.Fatalf("entry %d: expected id %d, got %d", index, tt.expected[index], entry.ID)
				}
			}
		})
	}
}

func TestFirstReturnsNilWhenNothingMatches(t *testing.T) {
	store := newTestStore(t)

	entry, err := store.First(context.Background(), Filter{RequiresBillingUpdate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no entry, got %#v", entry)
	}
}

func TestNewEventTypeNormalizesInput(t *testing.T) {
	eventType, err := NewEventType("  USER_CREATED ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != EventTypeUserCreated {
		t.Fatalf("expected user_created, got %s", eventType)
	}
	if _, err := NewEventType("unknown"); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestNewRealmIDRejectsNonPositive(t *testing.T) {
	if _, err := NewRealmID(0); !errors.Is(err, ErrInvalidRealmID) {
		t.Fatalf("expected ErrInvalidRealmID, got %v", err)
	}
}

func mustAppend(t *testing.T, store *Store, realm RealmID, eventType EventType, billing bool) Entry {
	t.Helper()
	entry, err := store.Append(context.Background(), AppendRequest{
		RealmID:               realm,
		EventType:             eventType,
		EventTime:             time.Unix(1700000000, 0),
		RequiresBillingUpdate: billing,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return entry
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:auditlog_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}
