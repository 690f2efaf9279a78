// Package instance persists custody exchange definitions and their scheduled
// instances. Stores are pure I/O with conditional-write primitives; all
// domain decisions (window checks, outcome rules) belong in the service.
package instance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/models"
)

// SlotWrite is the payload of one parent's check-in. GPS fields are nil for
// manual check-ins.
type SlotWrite struct {
	At            time.Time
	Lat           *float64
	Lng           *float64
	AccuracyM     *float64
	DistanceM     *float64
	InGeofence    *bool
	LowConfidence bool
	Manual        bool
	Device        string
}

// Store is the persistence contract for exchanges and instances.
//
// Conditional writes return applied=false (not an error) when the guard
// fails; the service translates that into the domain error taxonomy. The two
// parent slots are disjoint keys, so concurrent writers never contend beyond
// the row itself.
type Store interface {
	CreateExchange(ctx context.Context, ex *models.Exchange) error
	GetExchange(ctx context.Context, id uuid.UUID) (*models.Exchange, error)
	UpdateExchange(ctx context.Context, ex *models.Exchange) error
	SetExchangeStatus(ctx context.Context, id uuid.UUID, status models.ExchangeStatus) error
	ListActiveRecurring(ctx context.Context) ([]*models.Exchange, error)

	// CreateInstance inserts an instance, or returns the existing row for
	// the same (exchange, scheduled time) occurrence. Idempotent so eager
	// materialization and lazy creation can race safely.
	CreateInstance(ctx context.Context, inst *models.Instance) (*models.Instance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error)

	// SetSlotIfWritable records a check-in for one slot. The write applies
	// only while the instance is active, not auto-closed, and mutual QR
	// confirmation has not yet frozen the evidence. Re-writing an already
	// filled slot is allowed under the same guard (correction of a failed
	// attempt before the window closes).
	SetSlotIfWritable(ctx context.Context, id uuid.UUID, slot models.ParentSlot, w SlotWrite) (bool, error)

	// SetQRConfirmed sets qr_confirmed_at exactly once.
	SetQRConfirmed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// SaveOutcome persists a freshly derived outcome; when autoClose is true
	// it also marks the instance auto_closed. No-op once auto-closed or
	// cancelled.
	SaveOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, qrMissing bool, autoClose bool) (bool, error)

	// SetDispute flags a dispute on top of an existing terminal outcome.
	SetDispute(ctx context.Context, id uuid.UUID, by models.ParentSlot, notes string) (bool, error)

	// CancelInstance freezes an instance before auto-close.
	CancelInstance(ctx context.Context, id uuid.UUID) (bool, error)

	// ListDueForClose returns active, not-yet-closed instances whose window
	// has elapsed, oldest first.
	ListDueForClose(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error)

	// ListInstancesInRange returns a case's instances scheduled within
	// [from, to], ordered by scheduled time.
	ListInstancesInRange(ctx context.Context, caseID uuid.UUID, from, to time.Time) ([]*models.Instance, error)
}
