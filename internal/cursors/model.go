package cursors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
)

// State is the processing state of a cursor.
type State string

const (
	// StateStarted marks an entry checkpointed before its provider call.
	StateStarted State = "started"
	// StateDone marks the watermark entry as applied.
	StateDone State = "done"
	// StateSkipped marks the watermark entry as consumed without being applied.
	StateSkipped State = "skipped"
	// StateStalled parks a dedicated cursor until an operator clears it.
	StateStalled State = "stalled"
)

// GlobalScopeKey is the unique scope of the single global cursor.
const GlobalScopeKey = "global"

const dedicatedScopePrefix = "realm:"

var (
	// ErrCorruptState indicates a state value this package never writes.
	ErrCorruptState = errors.New("cursors: unknown or corrupt cursor state")
	// ErrCursorStalled indicates an attempt to advance a stalled cursor.
	ErrCursorStalled = errors.New("cursors: cursor is stalled")
	// ErrCursorNotFound indicates the cursor row does not exist.
	ErrCursorNotFound = errors.New("cursors: cursor not found")
	// ErrCursorNotStalled indicates a stall resolution on a cursor that is not stalled.
	ErrCursorNotStalled = errors.New("cursors: cursor is not stalled")
	// ErrGlobalCursorMissing indicates the bootstrap global cursor is absent.
	ErrGlobalCursorMissing = errors.New("cursors: global cursor missing")
	// ErrGlobalCursorImmutable indicates an attempt to delete the global cursor.
	ErrGlobalCursorImmutable = errors.New("cursors: global cursor cannot be deleted")
	// ErrNotGlobalCursor indicates a dedicated cursor was supplied where the global one is required.
	ErrNotGlobalCursor = errors.New("cursors: expected the global cursor")
	// ErrInvalidResolution indicates an unknown stall resolution.
	ErrInvalidResolution = errors.New("cursors: invalid stall resolution")
)

// Cursor tracks how far one processor has advanced through the audit log.
// RealmID is nil for the global cursor.
type Cursor struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ScopeKey         string    `gorm:"column:scope_key;size:64;not null;uniqueIndex"`
	RealmID          *int64    `gorm:"column:realm_id;index"`
	State            State     `gorm:"column:state;size:16;not null"`
	WatermarkEntryID *int64    `gorm:"column:watermark_entry_id"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "billing_processor_cursors"
}

// IsGlobal reports whether this is the global cursor.
func (c Cursor) IsGlobal() bool {
	return c.RealmID == nil
}

// Realm returns the dedicated cursor's realm; ok is false for the global cursor.
func (c Cursor) Realm() (auditlog.RealmID, bool) {
	if c.RealmID == nil {
		return 0, false
	}
	return auditlog.RealmID(*c.RealmID), true
}

// Watermark returns the watermark entry id, or zero when none was recorded.
func (c Cursor) Watermark() int64 {
	if c.WatermarkEntryID == nil {
		return 0
	}
	return *c.WatermarkEntryID
}

// Kind labels the cursor for logs and metrics.
func (c Cursor) Kind() string {
	if c.IsGlobal() {
		return "global"
	}
	return "dedicated"
}

// ValidState reports whether the state is one of the four written by this package.
func ValidState(state State) bool {
	switch state {
	case StateStarted, StateDone, StateSkipped, StateStalled:
		return true
	default:
		return false
	}
}

// DedicatedScopeKey returns the unique scope of a realm's dedicated cursor.
func DedicatedScopeKey(realmID auditlog.RealmID) string {
	return dedicatedScopePrefix + strconv.FormatInt(realmID.Int64(), 10)
}

// Resolution describes how an operator clears a stalled cursor.
type Resolution string

const (
	// ResolutionRetry attempts the parked entry again.
	ResolutionRetry Resolution = "retry"
	// ResolutionSkip moves past the parked entry without applying it.
	ResolutionSkip Resolution = "skip"
)

// NewResolution validates raw operator input.
func NewResolution(rawInput string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResolutionRetry:
		return ResolutionRetry, nil
	case ResolutionSkip:
		return ResolutionSkip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, rawInput)
	}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
