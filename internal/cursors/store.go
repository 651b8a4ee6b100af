package cursors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnID               = "id"
	columnScopeKey         = "scope_key"
	columnRealmID          = "realm_id"
	columnState            = "state"
	columnWatermarkEntryID = "watermark_entry_id"
	columnUpdatedAt        = "updated_at"
	queryID                = columnID + " = ?"
	queryScopeKey          = columnScopeKey + " = ?"
	queryDedicated         = columnRealmID + " IS NOT NULL"
	orderGlobalFirst       = columnRealmID + " IS NOT NULL, " + columnID + " ASC"
)

var (
	errMissingDatabase = errors.New("cursors: database handle is required")
	errMissingEntries  = errors.New("cursors: audit log store is required")
)

// Store persists processor cursors and selects their next eligible entries.
type Store struct {
	db      *gorm.DB
	entries *auditlog.Store
	clock   func() time.Time
}

// NewStore constructs a cursor store.
func NewStore(db *gorm.DB, entries *auditlog.Store) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if entries == nil {
		return nil, errMissingEntries
	}
	return &Store{db: db, entries: entries, clock: time.Now}, nil
}

// Bootstrap creates the global cursor when it does not exist yet.
func Bootstrap(db *gorm.DB) error {
	global := Cursor{ScopeKey: GlobalScopeKey, State: StateDone}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnScopeKey}},
		DoNothing: true,
	}).Create(&global).Error
}

// Global loads the single global cursor.
func (s *Store) Global(ctx context.Context) (Cursor, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where(queryScopeKey, GlobalScopeKey).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cursor{}, ErrGlobalCursorMissing
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("cursors: load global: %w", err)
	}
	return cursor, nil
}

// Get loads a cursor by id.
func (s *Store) Get(ctx context.Context, id int64) (Cursor, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cursor{}, fmt.Errorf("%w: %d", ErrCursorNotFound, id)
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("cursors: load %d: %w", id, err)
	}
	return cursor, nil
}

// ForRealm loads the dedicated cursor of a realm, if any.
func (s *Store) ForRealm(ctx context.Context, realmID auditlog.RealmID) (*Cursor, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where(queryScopeKey, DedicatedScopeKey(realmID)).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cursors: load realm %d: %w", realmID.Int64(), err)
	}
	return &cursor, nil
}

// List returns every cursor, global first.
func (s *Store) List(ctx context.Context) ([]Cursor, error) {
	var cursors []Cursor
	if err := s.db.WithContext(ctx).Order(orderGlobalFirst).Find(&cursors).Error; err != nil {
		return nil, fmt.Errorf("cursors: list: %w", err)
	}
	return cursors, nil
}

// ListDedicated returns the dedicated cursors ordered by id.
func (s *Store) ListDedicated(ctx context.Context) ([]Cursor, error) {
	var cursors []Cursor
	if err := s.db.WithContext(ctx).Where(queryDedicated).Order(columnID + " ASC").Find(&cursors).Error; err != nil {
		return nil, fmt.Errorf("cursors: list dedicated: %w", err)
	}
	return cursors, nil
}

// ListStalled returns cursors parked for operator intervention.
func (s *Store) ListStalled(ctx context.Context) ([]Cursor, error) {
	var cursors []Cursor
	if err := s.db.WithContext(ctx).Where(columnState+" = ?", StateStalled).Order(columnID + " ASC").Find(&cursors).Error; err != nil {
		return nil, fmt.Errorf("cursors: list stalled: %w", err)
	}
	return cursors, nil
}

// CountByState reports how many cursors sit in each state.
func (s *Store) CountByState(ctx context.Context) (map[State]int64, error) {
	type stateCount struct {
		State State
		Total int64
	}
	var rows []stateCount
	err := s.db.WithContext(ctx).Model(&Cursor{}).
		Select(columnState + " AS state, COUNT(*) AS total").
		Group(columnState).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cursors: count by state: %w", err)
	}
	counts := make(map[State]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}

// Save persists the cursor's state and watermark.
func (s *Store) Save(ctx context.Context, cursor *Cursor) error {
	return s.save(s.db.WithContext(ctx), cursor)
}

func (s *Store) save(db *gorm.DB, cursor *Cursor) error {
	now := s.clock().UTC()
	result := db.Model(&Cursor{}).Where(queryID, cursor.ID).Updates(map[string]interface{}{
		columnState:            cursor.State,
		columnWatermarkEntryID: cursor.WatermarkEntryID,
		columnUpdatedAt:        now,
	})
	if result.Error != nil {
		return fmt.Errorf("cursors: save %d: %w", cursor.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrCursorNotFound, cursor.ID)
	}
	cursor.UpdatedAt = now
	return nil
}

// Delete removes a drained dedicated cursor.
func (s *Store) Delete(ctx context.Context, cursor Cursor) error {
	if cursor.IsGlobal() {
		return ErrGlobalCursorImmutable
	}
	result := s.db.WithContext(ctx).Where(queryID+" AND "+queryDedicated, cursor.ID).Delete(&Cursor{})
	if result.Error != nil {
		return fmt.Errorf("cursors: delete %d: %w", cursor.ID, result.Error)
	}
	return nil
}

// IsolateRealm parks entry's realm on a new stalled dedicated cursor and marks
// the global cursor as having skipped the entry. Both writes commit together.
func (s *Store) IsolateRealm(ctx context.Context, global *Cursor, entry auditlog.Entry) (Cursor, error) {
	if !global.IsGlobal() {
		return Cursor{}, ErrNotGlobalCursor
	}
	dedicated := Cursor{
		ScopeKey:         DedicatedScopeKey(entry.Realm()),
		RealmID:          pointerTo(entry.RealmID),
		State:            StateStalled,
		WatermarkEntryID: pointerTo(entry.ID),
	}
	skipped := *global
	skipped.State = StateSkipped
	skipped.WatermarkEntryID = pointerTo(entry.ID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&dedicated).Error; err != nil {
			return fmt.Errorf("cursors: create dedicated for realm %d: %w", entry.RealmID, err)
		}
		return s.save(tx, &skipped)
	})
	if err != nil {
		return Cursor{}, err
	}
	*global = skipped
	return dedicated, nil
}

// MarkStalled parks a dedicated cursor at its current watermark.
func (s *Store) MarkStalled(ctx context.Context, cursor *Cursor) error {
	stalled := *cursor
	stalled.State = StateStalled
	if err := s.Save(ctx, &stalled); err != nil {
		return err
	}
	*cursor = stalled
	return nil
}

// ClearStall applies an operator resolution to a stalled cursor.
func (s *Store) ClearStall(ctx context.Context, id int64, resolution Resolution) (Cursor, error) {
	var next State
	switch resolution {
	case ResolutionRetry:
		next = StateStarted
	case ResolutionSkip:
		next = StateSkipped
	default:
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	var cleared Cursor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryID, id).Take(&cleared).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrCursorNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("cursors: load %d: %w", id, err)
		}
		if cleared.State != StateStalled {
			return fmt.Errorf("%w: %d is %s", ErrCursorNotStalled, id, cleared.State)
		}
		cleared.State = next
		return s.save(tx, &cleared)
	})
	if err != nil {
		return Cursor{}, err
	}
	return cleared, nil
}

// NextEligibleEntry selects the entry the cursor should attempt next, or nil
// when the cursor is idle. A started cursor resumes its watermark entry.
func (s *Store) NextEligibleEntry(ctx context.Context, cursor Cursor, global Cursor) (*auditlog.Entry, error) {
	if !global.IsGlobal() {
		return nil, ErrNotGlobalCursor
	}

	switch cursor.State {
	case StateStarted:
		if cursor.WatermarkEntryID == nil {
			return nil, fmt.Errorf("%w: cursor %d started without a watermark", ErrCorruptState, cursor.ID)
		}
		entry, err := s.entries.Get(ctx, *cursor.WatermarkEntryID)
		if err != nil {
			return nil, err
		}
		return &entry, nil
	case StateStalled:
		return nil, fmt.Errorf("%w: cursor %d", ErrCursorStalled, cursor.ID)
	case StateDone, StateSkipped:
	default:
		return nil, fmt.Errorf("%w: cursor %d has state %q", ErrCorruptState, cursor.ID, cursor.State)
	}

	realmID, dedicated := cursor.Realm()
	if !dedicated {
		isolated, err := s.isolatedRealms(ctx)
		if err != nil {
			return nil, err
		}
		return s.entries.First(ctx, auditlog.Filter{
			ExcludeRealmIDs:       isolated,
			AfterID:               cursor.Watermark(),
			RequiresBillingUpdate: true,
		})
	}

	frontier := global.Watermark()
	if frontier <= cursor.Watermark()+1 {
		return nil, nil
	}
	return s.entries.First(ctx, auditlog.Filter{
		RealmIDs:              []auditlog.RealmID{realmID},
		AfterID:               cursor.Watermark(),
		BeforeID:              frontier,
		RequiresBillingUpdate: true,
	})
}

func (s *Store) isolatedRealms(ctx context.Context) ([]auditlog.RealmID, error) {
	var realmIDs []int64
	if err := s.db.WithContext(ctx).Model(&Cursor{}).Where(queryDedicated).Pluck(columnRealmID, &realmIDs).Error; err != nil {
		return nil, fmt.Errorf("cursors: list isolated realms: %w", err)
	}
	isolated := make([]auditlog.RealmID, 0, len(realmIDs))
	for _, realmID := range realmIDs {
		isolated = append(isolated, auditlog.RealmID(realmID))
	}
	return isolated, nil
}
