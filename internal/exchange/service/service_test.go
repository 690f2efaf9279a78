package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"handoff/internal/exchange/events"
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/qr"
	"handoff/internal/exchange/store/instance"
	dErrors "handoff/pkg/domain-errors"
)

// Exchange location used throughout: radius 100m. An offset of ~0.00036
// degrees latitude is roughly 40m.
const (
	testLat    = 40.712800
	testLng    = -74.006000
	nearbyLat  = testLat + 0.00036
	farawayLat = testLat + 1.0
)

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *instance.InMemoryStore
	qr        *qr.Service
	svc       *Service
	now       time.Time
	published *capturingPublisher
}

// capturingPublisher records outcome events for assertions.
type capturingPublisher struct {
	events []events.OutcomeEvent
}

func (p *capturingPublisher) OutcomeChanged(_ context.Context, ev events.OutcomeEvent) {
	p.events = append(p.events, ev)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = instance.NewInMemoryStore()
	s.qr = qr.NewService("test-signing-key", 5*time.Minute, qr.NewInMemoryNonceStore())
	s.now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	s.published = &capturingPublisher{}
	svc, err := New(s.store, s.qr, Config{
		AccuracyThresholdM:     150,
		DefaultGeofenceRadiusM: 100,
	},
		WithClock(func() time.Time { return s.now }),
		WithPublisher(s.published),
	)
	s.Require().NoError(err)
	s.svc = svc
}

// newInstance creates a one-off exchange scheduled at s.now with a +/-15min
// window and returns its instance.
func (s *ServiceSuite) newInstance(qrRequired bool) (*models.Exchange, *models.Instance) {
	lat, lng := testLat, testLng
	scheduled := s.now
	ex, err := s.svc.CreateExchange(s.ctx, CreateExchangeRequest{
		CaseID:                 uuid.New(),
		FromParentID:           uuid.New(),
		ToParentID:             uuid.New(),
		Address:                "100 Center St, New York",
		Lat:                    &lat,
		Lng:                    &lng,
		ScheduledAt:            &scheduled,
		BeforeWindow:           15 * time.Minute,
		AfterWindow:            15 * time.Minute,
		QRConfirmationRequired: qrRequired,
	})
	s.Require().NoError(err)

	inst, err := s.svc.EnsureInstance(s.ctx, ex, scheduled)
	s.Require().NoError(err)
	return ex, inst
}

func (s *ServiceSuite) TestGPSCheckIn() {
	s.Run("records slot with distance and geofence result", func() {
		_, inst := s.newInstance(false)

		res, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID,
			Slot:       models.SlotFromParent,
			Lat:        nearbyLat,
			Lng:        testLng,
			AccuracyM:  10,
		})
		s.Require().NoError(err)
		s.True(res.Instance.FromSlot.CheckedIn)
		s.Require().NotNil(res.DistanceM)
		s.InDelta(40, *res.DistanceM, 5)
		s.Require().NotNil(res.InGeofence)
		s.True(*res.InGeofence)
		s.False(res.LowConfidence)
		s.Equal(models.OutcomePending, res.Instance.Outcome)
	})

	s.Run("completed immediately after second check-in", func() {
		_, inst := s.newInstance(false)

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: nearbyLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().NoError(err)

		res, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotToParent,
			Lat: testLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().NoError(err)
		s.Equal(models.OutcomeCompleted, res.Instance.Outcome)
		s.False(res.Instance.AutoClosed)
	})

	s.Run("out of geofence is recorded not rejected", func() {
		_, inst := s.newInstance(false)

		res, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: farawayLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().NoError(err)
		s.True(res.Instance.FromSlot.CheckedIn)
		s.Require().NotNil(res.InGeofence)
		s.False(*res.InGeofence)
	})

	s.Run("low accuracy flagged low confidence", func() {
		_, inst := s.newInstance(false)

		res, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: nearbyLat, Lng: testLng, AccuracyM: 400,
		})
		s.Require().NoError(err)
		s.True(res.LowConfidence)
		s.NotEmpty(res.Warning)
		s.True(res.Instance.FromSlot.LowConfidence)
	})

	s.Run("invalid coordinates rejected before any state change", func() {
		_, inst := s.newInstance(false)

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: 91, Lng: testLng, AccuracyM: 10,
		})
		s.Require().Error(err)
		s.Equal(dErrors.CodeInvalidCoordinate, dErrors.CodeOf(err))

		got, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		s.False(got.FromSlot.CheckedIn)
	})

	s.Run("unknown slot rejected", func() {
		_, inst := s.newInstance(false)
		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: "grandparent",
			Lat: testLat, Lng: testLng,
		})
		s.Require().Error(err)
		s.Equal(dErrors.CodeInvalidInput, dErrors.CodeOf(err))
	})
}

func (s *ServiceSuite) TestWindowBoundaries() {
	s.Run("check-in at exactly window end accepted", func() {
		_, inst := s.newInstance(false)
		s.now = inst.WindowEnd

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: testLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().NoError(err)
	})

	s.Run("check-in one second after window end rejected without mutation", func() {
		_, inst := s.newInstance(false)
		s.now = inst.WindowEnd.Add(time.Second)

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: testLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().Error(err)
		s.Equal(dErrors.CodeWindowClosed, dErrors.CodeOf(err))

		got, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		s.False(got.FromSlot.CheckedIn)
		s.Nil(got.FromSlot.CheckedInAt)
	})

	s.Run("check-in before window opens rejected", func() {
		_, inst := s.newInstance(false)
		s.now = inst.WindowStart.Add(-time.Minute)

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: testLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().Error(err)
		s.Equal(dErrors.CodeWindowClosed, dErrors.CodeOf(err))
	})
}

func (s *ServiceSuite) TestManualCheckIn() {
	_, inst := s.newInstance(false)

	res, err := s.svc.CheckInManual(s.ctx, ManualCheckIn{
		InstanceID: inst.ID,
		Slot:       models.SlotToParent,
	})
	s.Require().NoError(err)
	s.True(res.Instance.ToSlot.CheckedIn)
	s.True(res.Instance.ToSlot.Manual)
	s.Nil(res.Instance.ToSlot.Lat)
	s.Nil(res.Instance.ToSlot.InGeofence)
}

func (s *ServiceSuite) TestQRConfirmation() {
	s.Run("pending_qr until confirmed then completed", func() {
		_, inst := s.newInstance(true)

		for _, slot := range []models.ParentSlot{models.SlotFromParent, models.SlotToParent} {
			_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
				InstanceID: inst.ID, Slot: slot,
				Lat: testLat, Lng: testLng, AccuracyM: 10,
			})
			s.Require().NoError(err)
		}
		got, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(models.OutcomePendingQR, got.Outcome)

		issued, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)

		confirmed, err := s.svc.ConfirmQR(s.ctx, inst.ID, issued.Token, "")
		s.Require().NoError(err)
		s.NotNil(confirmed.QRConfirmedAt)
		s.Equal(models.OutcomeCompleted, confirmed.Outcome)
	})

	s.Run("fallback code confirms", func() {
		_, inst := s.newInstance(true)
		issued, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)

		confirmed, err := s.svc.ConfirmQR(s.ctx, inst.ID, "", issued.Code)
		s.Require().NoError(err)
		s.NotNil(confirmed.QRConfirmedAt)
	})

	s.Run("re-confirm is a no-op", func() {
		_, inst := s.newInstance(true)
		issued, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)

		first, err := s.svc.ConfirmQR(s.ctx, inst.ID, issued.Token, "")
		s.Require().NoError(err)
		second, err := s.svc.ConfirmQR(s.ctx, inst.ID, issued.Token, "")
		s.Require().NoError(err)
		s.Equal(first.QRConfirmedAt, second.QRConfirmedAt)
	})

	s.Run("superseded token rejected", func() {
		_, inst := s.newInstance(true)
		old, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)
		_, err = s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)

		_, err = s.svc.ConfirmQR(s.ctx, inst.ID, old.Token, "")
		s.Require().Error(err)
		s.Equal(dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
	})

	s.Run("slot frozen after confirmation", func() {
		_, inst := s.newInstance(true)
		issued, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().NoError(err)
		_, err = s.svc.ConfirmQR(s.ctx, inst.ID, issued.Token, "")
		s.Require().NoError(err)

		_, err = s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: testLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().Error(err)
		s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))
	})

	s.Run("token issuance outside window rejected", func() {
		_, inst := s.newInstance(true)
		s.now = inst.WindowEnd.Add(time.Minute)

		_, err := s.svc.IssueQRToken(s.ctx, inst.ID)
		s.Require().Error(err)
		s.Equal(dErrors.CodeWindowClosed, dErrors.CodeOf(err))
	})
}

func (s *ServiceSuite) TestDispute() {
	s.Run("dispute on completed flags without changing outcome", func() {
		_, inst := s.newInstance(false)
		for _, slot := range []models.ParentSlot{models.SlotFromParent, models.SlotToParent} {
			_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
				InstanceID: inst.ID, Slot: slot,
				Lat: testLat, Lng: testLng, AccuracyM: 10,
			})
			s.Require().NoError(err)
		}

		disputed, err := s.svc.Dispute(s.ctx, inst.ID, models.SlotFromParent, "other parent arrived late")
		s.Require().NoError(err)
		s.True(disputed.IsDisputed)
		s.Equal(models.OutcomeCompleted, disputed.Outcome)
		s.Require().NotNil(disputed.DisputedBy)
		s.Equal(models.SlotFromParent, *disputed.DisputedBy)
	})

	s.Run("dispute before terminal outcome rejected", func() {
		_, inst := s.newInstance(false)
		_, err := s.svc.Dispute(s.ctx, inst.ID, models.SlotFromParent, "notes")
		s.Require().Error(err)
		s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))
	})
}

func (s *ServiceSuite) TestCancel() {
	_, inst := s.newInstance(false)

	cancelled, err := s.svc.Cancel(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(models.InstanceCancelled, cancelled.Status)

	_, err = s.svc.CheckInGPS(s.ctx, GPSCheckIn{
		InstanceID: inst.ID, Slot: models.SlotFromParent,
		Lat: testLat, Lng: testLng, AccuracyM: 10,
	})
	s.Require().Error(err)
	s.Equal(dErrors.CodeAlreadyClosed, dErrors.CodeOf(err))
}

func (s *ServiceSuite) TestCloseInstance() {
	s.Run("one party present after window elapses", func() {
		_, inst := s.newInstance(false)

		_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
			InstanceID: inst.ID, Slot: models.SlotFromParent,
			Lat: nearbyLat, Lng: testLng, AccuracyM: 10,
		})
		s.Require().NoError(err)

		s.now = inst.WindowEnd.Add(time.Minute)
		inst, err = s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		closed, err := s.svc.CloseInstance(s.ctx, inst)
		s.Require().NoError(err)
		s.True(closed)

		got, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeOnePartyPresent, got.Outcome)
		s.True(got.AutoClosed)
	})

	s.Run("qr required but never scanned degrades to completed qr_missing", func() {
		_, inst := s.newInstance(true)
		for _, slot := range []models.ParentSlot{models.SlotFromParent, models.SlotToParent} {
			_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
				InstanceID: inst.ID, Slot: slot,
				Lat: testLat, Lng: testLng, AccuracyM: 10,
			})
			s.Require().NoError(err)
		}

		s.now = inst.WindowEnd.Add(time.Minute)
		inst, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		closed, err := s.svc.CloseInstance(s.ctx, inst)
		s.Require().NoError(err)
		s.True(closed)

		got, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCompleted, got.Outcome)
		s.True(got.QRMissing)
	})

	s.Run("close before window end is a no-op", func() {
		_, inst := s.newInstance(false)
		closed, err := s.svc.CloseInstance(s.ctx, inst)
		s.Require().NoError(err)
		s.False(closed)
	})

	s.Run("second close is a no-op", func() {
		_, inst := s.newInstance(false)
		s.now = inst.WindowEnd.Add(time.Minute)
		inst, err := s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)

		closed, err := s.svc.CloseInstance(s.ctx, inst)
		s.Require().NoError(err)
		s.True(closed)

		inst, err = s.store.GetInstance(s.ctx, inst.ID)
		s.Require().NoError(err)
		closed, err = s.svc.CloseInstance(s.ctx, inst)
		s.Require().NoError(err)
		s.False(closed)
	})
}

func (s *ServiceSuite) TestWindowStatus() {
	_, inst := s.newInstance(false)

	view, err := s.svc.WindowStatus(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.True(view.Window.IsWithin)

	// Polling after the window ends must not return a stale pending reading.
	s.now = inst.WindowEnd.Add(time.Minute)
	view, err = s.svc.WindowStatus(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.True(view.Window.IsAfter)
	s.Equal(models.OutcomeMissed, view.Instance.Outcome)
}

func (s *ServiceSuite) TestOutcomeEventsPublished() {
	ex, inst := s.newInstance(false)

	_, err := s.svc.CheckInGPS(s.ctx, GPSCheckIn{
		InstanceID: inst.ID, Slot: models.SlotFromParent,
		Lat: testLat, Lng: testLng, AccuracyM: 10,
	})
	s.Require().NoError(err)
	// The outcome stayed pending; no transition, no event.
	s.Empty(s.published.events)

	_, err = s.svc.CheckInGPS(s.ctx, GPSCheckIn{
		InstanceID: inst.ID, Slot: models.SlotToParent,
		Lat: testLat, Lng: testLng, AccuracyM: 10,
	})
	s.Require().NoError(err)

	s.Require().Len(s.published.events, 1)
	ev := s.published.events[0]
	s.Equal(inst.ID, ev.InstanceID)
	s.Equal(ex.ID, ev.ExchangeID)
	s.Equal(ex.CaseID, ev.CaseID)
	s.Equal(models.OutcomeCompleted, ev.Outcome)
	s.False(ev.AutoClosed)
	s.Equal(s.now, ev.OccurredAt)
}
