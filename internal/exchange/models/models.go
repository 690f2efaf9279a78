// Package models defines the custody exchange domain records.
//
// A CustodyExchange is the recurring (or one-off) definition owned by a case;
// a CustodyExchangeInstance is one scheduled handoff occurrence. The two
// per-parent check-in slots plus the window configuration are the source of
// truth; the stored outcome is a materialized view recomputed on every write.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ParentSlot names one of the two independent check-in slots of an instance.
type ParentSlot string

const (
	SlotFromParent ParentSlot = "from_parent"
	SlotToParent   ParentSlot = "to_parent"
)

// Valid reports whether s is one of the two known slots.
func (s ParentSlot) Valid() bool {
	return s == SlotFromParent || s == SlotToParent
}

// Outcome is the authoritative classification of how an instance resolved.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomePendingQR       Outcome = "pending_qr"
	OutcomeCompleted       Outcome = "completed"
	OutcomeOnePartyPresent Outcome = "one_party_present"
	OutcomeMissed          Outcome = "missed"
)

// Terminal reports whether o is a window-closed classification.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeOnePartyPresent, OutcomeMissed:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle status of an instance, orthogonal to outcome.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCancelled InstanceStatus = "cancelled"
)

// ExchangeStatus controls future instance generation for a definition.
type ExchangeStatus string

const (
	ExchangeActive ExchangeStatus = "active"
	ExchangePaused ExchangeStatus = "paused"
)

// GeocodeAccuracy mirrors the geocoding collaborator's confidence levels.
type GeocodeAccuracy string

const (
	GeocodeExact       GeocodeAccuracy = "exact"
	GeocodeApproximate GeocodeAccuracy = "approximate"
	GeocodeFallback    GeocodeAccuracy = "fallback"
)

// Location is the exchange meeting point with its geofence.
type Location struct {
	Address          string          `json:"address"`
	FormattedAddress string          `json:"formatted_address,omitempty"`
	Lat              float64         `json:"lat"`
	Lng              float64         `json:"lng"`
	GeofenceRadiusM  float64         `json:"geofence_radius_m"`
	GeocodeAccuracy  GeocodeAccuracy `json:"geocode_accuracy,omitempty"`
}

// Recurrence describes a repeating schedule: the same wall-clock time on a
// set of weekdays, optionally until an end date.
type Recurrence struct {
	Weekdays  []time.Weekday `json:"weekdays"`
	TimeOfDay string         `json:"time_of_day"` // "15:04", in Timezone
	Timezone  string         `json:"timezone"`    // IANA name, defaults to UTC
	Until     *time.Time     `json:"until,omitempty"`
}

// Exchange is a custody exchange definition owned by a case. Updating it does
// not retroactively alter past instances; pausing stops future generation but
// preserves history.
type Exchange struct {
	ID           uuid.UUID      `json:"id"`
	CaseID       uuid.UUID      `json:"case_id"`
	FromParentID uuid.UUID      `json:"from_parent_id"`
	ToParentID   uuid.UUID      `json:"to_parent_id"`
	ChildIDs     []uuid.UUID    `json:"child_ids"`
	Location     Location       `json:"location"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"` // one-off
	Recurrence   *Recurrence    `json:"recurrence,omitempty"`
	BeforeWindow time.Duration  `json:"before_window"`
	AfterWindow  time.Duration  `json:"after_window"`
	Status       ExchangeStatus `json:"status"`

	SilentHandoffEnabled   bool `json:"silent_handoff_enabled"`
	QRConfirmationRequired bool `json:"qr_confirmation_required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckInSlot is one parent's check-in record within an instance. GPS fields
// are nil for manual (degraded mode) check-ins.
type CheckInSlot struct {
	CheckedIn     bool       `json:"checked_in"`
	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
	Lat           *float64   `json:"lat,omitempty"`
	Lng           *float64   `json:"lng,omitempty"`
	AccuracyM     *float64   `json:"device_accuracy_m,omitempty"`
	DistanceM     *float64   `json:"distance_m,omitempty"`
	InGeofence    *bool      `json:"in_geofence"`
	LowConfidence bool       `json:"low_confidence,omitempty"`
	Manual        bool       `json:"manual,omitempty"`
	Device        string     `json:"device,omitempty"`
}

// Instance is one scheduled handoff occurrence. Window bounds are derived
// from the definition and cached at creation so later definition updates do
// not rewrite evidentiary history.
type Instance struct {
	ID          uuid.UUID `json:"id"`
	ExchangeID  uuid.UUID `json:"exchange_id"`
	CaseID      uuid.UUID `json:"case_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	FromSlot CheckInSlot `json:"from_parent"`
	ToSlot   CheckInSlot `json:"to_parent"`

	QRConfirmedAt *time.Time `json:"qr_confirmed_at,omitempty"`

	Outcome    Outcome        `json:"handoff_outcome"`
	QRMissing  bool           `json:"qr_missing,omitempty"`
	AutoClosed bool           `json:"auto_closed"`
	Status     InstanceStatus `json:"status"`

	IsDisputed   bool        `json:"is_disputed"`
	DisputeNotes string      `json:"dispute_notes,omitempty"`
	DisputedBy   *ParentSlot `json:"disputed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Slot returns a pointer to the named slot, or nil for an unknown slot.
func (i *Instance) Slot(s ParentSlot) *CheckInSlot {
	switch s {
	case SlotFromParent:
		return &i.FromSlot
	case SlotToParent:
		return &i.ToSlot
	}
	return nil
}

// CheckedInCount returns how many of the two slots are filled.
func (i *Instance) CheckedInCount() int {
	n := 0
	if i.FromSlot.CheckedIn {
		n++
	}
	if i.ToSlot.CheckedIn {
		n++
	}
	return n
}
