package auditlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the realm lifecycle events recorded in the audit log.
type EventType string

const (
	// EventTypeUserCreated records a new human user joining a realm.
	EventTypeUserCreated EventType = "user_created"
	// EventTypeUserActivated records a user finishing activation.
	EventTypeUserActivated EventType = "user_activated"
	// EventTypeUserDeactivated records a user being deactivated.
	EventTypeUserDeactivated EventType = "user_deactivated"
	// EventTypeUserReactivated records a previously deactivated user returning.
	EventTypeUserReactivated EventType = "user_reactivated"
	// EventTypeSubscriptionQuantityReset carries an absolute seat count in its extra data.
	EventTypeSubscriptionQuantityReset EventType = "subscription_quantity_reset"
	// EventTypeBillingCustomerCreated records the realm's first provider customer.
	EventTypeBillingCustomerCreated EventType = "billing_customer_created"
	// EventTypeBillingCardChanged records a payment source replacement.
	EventTypeBillingCardChanged EventType = "billing_card_changed"
	// EventTypeBillingPlanChanged records an upgrade or downgrade.
	EventTypeBillingPlanChanged EventType = "billing_plan_changed"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeUserCreated:               {},
	EventTypeUserActivated:             {},
	EventTypeUserDeactivated:           {},
	EventTypeUserReactivated:           {},
	EventTypeSubscriptionQuantityReset: {},
	EventTypeBillingCustomerCreated:    {},
	EventTypeBillingCardChanged:        {},
	EventTypeBillingPlanChanged:        {},
}

var (
	// ErrInvalidRealmID indicates that a realm identifier is not positive.
	ErrInvalidRealmID = errors.New("auditlog: invalid realm id")
	// ErrInvalidEventType indicates that an event type is not part of the closed enumeration.
	ErrInvalidEventType = errors.New("auditlog: invalid event type")
	// ErrInvalidEntry indicates that an entry cannot be appended.
	ErrInvalidEntry = errors.New("auditlog: invalid entry")
)

// RealmID represents a validated tenant identifier.
type RealmID int64

// NewRealmID validates the value and returns a RealmID.
func NewRealmID(value int64) (RealmID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRealmID, value)
	}
	return RealmID(value), nil
}

// Int64 exposes the raw identifier.
func (id RealmID) Int64() int64 {
	return int64(id)
}

// NewEventType validates raw input against the closed enumeration.
func NewEventType(rawInput string) (EventType, error) {
	candidate := EventType(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := knownEventTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, rawInput)
	}
	return candidate, nil
}

// String returns the stored representation.
func (eventType EventType) String() string {
	return string(eventType)
}

// Entry is one immutable row of the realm audit log.
type Entry struct {
	ID                    int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RealmID               int64     `gorm:"column:realm_id;not null;index:idx_audit_log_realm_billing,priority:1"`
	EventType             EventType `gorm:"column:event_type;size:64;not null"`
	EventTime             time.Time `gorm:"column:event_time;not null"`
	ExtraData             *string   `gorm:"column:extra_data;type:text"`
	RequiresBillingUpdate bool      `gorm:"column:requires_billing_update;not null;default:false;index:idx_audit_log_realm_billing,priority:2;index:idx_audit_log_billing"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "realm_audit_log"
}

// Realm returns the entry's realm as a validated identifier.
func (entry Entry) Realm() RealmID {
	return RealmID(entry.RealmID)
}
