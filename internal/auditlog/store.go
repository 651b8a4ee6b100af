package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	columnID                    = "id"
	columnRealmID               = "realm_id"
	columnRequiresBillingUpdate = "requires_billing_update"
	orderIDAsc                  = columnID + " ASC"
)

var errMissingDatabase = errors.New("auditlog: database handle is required")

// Filter narrows ReadEntries. Zero values leave a dimension unconstrained.
type Filter struct {
	RealmIDs              []RealmID
	ExcludeRealmIDs       []RealmID
	AfterID               int64
	BeforeID              int64
	RequiresBillingUpdate bool
	Limit                 int
}

// AppendRequest describes a new log entry written by a collaborator.
type AppendRequest struct {
	RealmID               RealmID
	EventType             EventType
	EventTime             time.Time
	ExtraData             *string
	RequiresBillingUpdate bool
}

// Store reads and appends realm audit log entries.
type Store struct {
	db *gorm.DB
}

// NewStore constructs an audit log store over the given database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Append writes a new entry and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, request AppendRequest) (Entry, error) {
	if request.RealmID <= 0 {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, ErrInvalidRealmID)
	}
	if _, ok := knownEventTypes[request.EventType]; !ok {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, ErrInvalidEventType)
	}
	if request.EventTime.IsZero() {
		return Entry{}, fmt.Errorf("%w: event time required", ErrInvalidEntry)
	}
	entry := Entry{
		RealmID:               request.RealmID.Int64(),
		EventType:             request.EventType,
		EventTime:             request.EventTime.UTC(),
		ExtraData:             request.ExtraData,
		RequiresBillingUpdate: request.RequiresBillingUpdate,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("auditlog: append: %w", err)
	}
	return entry, nil
}

// Get loads a single entry by id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	var entry Entry
	if err := s.db.WithContext(ctx).Where(columnID+" = ?", id).Take(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("auditlog: get %d: %w", id, err)
	}
	return entry, nil
}

// ReadEntries returns entries matching the filter ordered by id.
func (s *Store) ReadEntries(ctx context.Context, filter Filter) ([]Entry, error) {
	var entries []Entry
	if err := s.query(ctx, filter).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("auditlog: read entries: %w", err)
	}
	return entries, nil
}

// First returns the smallest-id entry matching the filter, or nil.
func (s *Store) First(ctx context.Context, filter Filter) (*Entry, error) {
	filter.Limit = 1
	entries, err := s.ReadEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) query(ctx context.Context, filter Filter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&Entry{})
	if len(filter.RealmIDs) > 0 {
		query = query.Where(columnRealmID+" IN ?", realmValues(filter.RealmIDs))
	}
	if len(filter.ExcludeRealmIDs) > 0 {
		query = query.Where(columnRealmID+" NOT IN ?", realmValues(filter.ExcludeRealmIDs))
	}
	if filter.AfterID > 0 {
		query = query.Where(columnID+" > ?", filter.AfterID)
	}
	if filter.BeforeID > 0 {
		query = query.Where(columnID+" < ?", filter.BeforeID)
	}
	if filter.RequiresBillingUpdate {
		query = query.Where(columnRequiresBillingUpdate+" = ?", true)
	}
	query = query.Order(orderIDAsc)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query
}

func realmValues(realms []RealmID) []int64 {
	values := make([]int64, 0, len(realms))
	for _, realm := range realms {
		values = append(values, realm.Int64())
	}
	return values
}
