package service

import (
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/window"
)

// Resolution is the derived authoritative outcome for an instance.
type Resolution struct {
	Outcome models.Outcome
	// QRMissing annotates a completed exchange where QR confirmation was
	// required but never performed before the window closed.
	QRMissing bool
}

// Resolve derives the outcome from current slot, QR, and window state. It is
// a pure function: no stored previous state is consulted, which makes it
// idempotent and safe to call redundantly from check-in writes, the window
// closer, or a manual re-check. The rules are symmetric in slot order, so the
// parents' check-ins commute.
func Resolve(inst *models.Instance, qrRequired bool, ws window.Status) Resolution {
	bothIn := inst.FromSlot.CheckedIn && inst.ToSlot.CheckedIn
	oneIn := inst.CheckedInCount() == 1
	closed := ws.IsAfter || inst.AutoClosed

	switch {
	case bothIn && (!qrRequired || inst.QRConfirmedAt != nil):
		return Resolution{Outcome: models.OutcomeCompleted}
	case bothIn:
		// QR required but not confirmed. While the window is open the
		// exchange is pending the scan; at close it degrades to completed
		// with an annotation rather than blocking resolution forever.
		if closed {
			return Resolution{Outcome: models.OutcomeCompleted, QRMissing: true}
		}
		return Resolution{Outcome: models.OutcomePendingQR}
	case oneIn:
		if closed {
			return Resolution{Outcome: models.OutcomeOnePartyPresent}
		}
		return Resolution{Outcome: models.OutcomePending}
	default:
		if closed {
			return Resolution{Outcome: models.OutcomeMissed}
		}
		return Resolution{Outcome: models.OutcomePending}
	}
}
