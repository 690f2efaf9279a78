package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"handoff/internal/exchange/models"
	"handoff/internal/exchange/window"
)

func openWindow() window.Status {
	now := time.Now()
	return window.FromBounds(now.Add(-15*time.Minute), now.Add(15*time.Minute), now)
}

func closedWindow() window.Status {
	now := time.Now()
	return window.FromBounds(now.Add(-31*time.Minute), now.Add(-time.Minute), now)
}

func filledSlot(at time.Time) models.CheckInSlot {
	return models.CheckInSlot{CheckedIn: true, CheckedInAt: &at}
}

func TestResolveBothCheckedIn(t *testing.T) {
	now := time.Now()

	t.Run("completed immediately when qr not required", func(t *testing.T) {
		inst := &models.Instance{
			FromSlot: filledSlot(now),
			ToSlot:   filledSlot(now),
		}
		res := Resolve(inst, false, openWindow())
		require.Equal(t, models.OutcomeCompleted, res.Outcome)
		require.False(t, res.QRMissing)
	})

	t.Run("completed when qr required and confirmed", func(t *testing.T) {
		inst := &models.Instance{
			FromSlot:      filledSlot(now),
			ToSlot:        filledSlot(now),
			QRConfirmedAt: &now,
		}
		res := Resolve(inst, true, openWindow())
		require.Equal(t, models.OutcomeCompleted, res.Outcome)
		require.False(t, res.QRMissing)
	})

	t.Run("pending_qr while window open and qr unconfirmed", func(t *testing.T) {
		inst := &models.Instance{
			FromSlot: filledSlot(now),
			ToSlot:   filledSlot(now),
		}
		res := Resolve(inst, true, openWindow())
		require.Equal(t, models.OutcomePendingQR, res.Outcome)
	})

	t.Run("degrades to completed with qr_missing at window close", func(t *testing.T) {
		inst := &models.Instance{
			FromSlot: filledSlot(now),
			ToSlot:   filledSlot(now),
		}
		res := Resolve(inst, true, closedWindow())
		require.Equal(t, models.OutcomeCompleted, res.Outcome)
		require.True(t, res.QRMissing)
	})
}

func TestResolveOneCheckedIn(t *testing.T) {
	now := time.Now()

	t.Run("pending while window open", func(t *testing.T) {
		inst := &models.Instance{FromSlot: filledSlot(now)}
		res := Resolve(inst, false, openWindow())
		require.Equal(t, models.OutcomePending, res.Outcome)
	})

	t.Run("one_party_present at window close", func(t *testing.T) {
		inst := &models.Instance{ToSlot: filledSlot(now)}
		res := Resolve(inst, false, closedWindow())
		require.Equal(t, models.OutcomeOnePartyPresent, res.Outcome)
	})

	t.Run("auto_closed forces finalization even if clock says open", func(t *testing.T) {
		inst := &models.Instance{FromSlot: filledSlot(now), AutoClosed: true}
		res := Resolve(inst, false, openWindow())
		require.Equal(t, models.OutcomeOnePartyPresent, res.Outcome)
	})
}

func TestResolveNobodyCheckedIn(t *testing.T) {
	t.Run("pending while window open", func(t *testing.T) {
		res := Resolve(&models.Instance{}, false, openWindow())
		require.Equal(t, models.OutcomePending, res.Outcome)
	})

	t.Run("missed at window close", func(t *testing.T) {
		res := Resolve(&models.Instance{}, false, closedWindow())
		require.Equal(t, models.OutcomeMissed, res.Outcome)
	})
}

func TestResolveIdempotent(t *testing.T) {
	now := time.Now()
	inst := &models.Instance{
		FromSlot: filledSlot(now),
		ToSlot:   filledSlot(now),
	}
	ws := closedWindow()
	first := Resolve(inst, true, ws)
	second := Resolve(inst, true, ws)
	require.Equal(t, first, second)
}

// Whichever parent checks in first must not change the terminal
// classification.
func TestResolveOrderIndependent(t *testing.T) {
	now := time.Now()
	ab := &models.Instance{FromSlot: filledSlot(now), ToSlot: filledSlot(now.Add(time.Minute))}
	ba := &models.Instance{FromSlot: filledSlot(now.Add(time.Minute)), ToSlot: filledSlot(now)}

	for _, ws := range []window.Status{openWindow(), closedWindow()} {
		require.Equal(t, Resolve(ab, false, ws), Resolve(ba, false, ws))
		require.Equal(t, Resolve(ab, true, ws), Resolve(ba, true, ws))
	}
}
