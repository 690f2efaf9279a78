package closer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"handoff/internal/exchange/models"
	"handoff/internal/exchange/qr"
	"handoff/internal/exchange/service"
	"handoff/internal/exchange/store/instance"
)

type CloserSuite struct {
	suite.Suite
	ctx    context.Context
	store  *instance.InMemoryStore
	svc    *service.Service
	closer *Closer
	now    time.Time
}

func TestCloserSuite(t *testing.T) {
	suite.Run(t, new(CloserSuite))
}

func (s *CloserSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = instance.NewInMemoryStore()
	s.now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	qrSvc := qr.NewService("test-signing-key", 5*time.Minute, qr.NewInMemoryNonceStore())
	svc, err := service.New(s.store, qrSvc, service.Config{
		AccuracyThresholdM:     150,
		DefaultGeofenceRadiusM: 100,
	}, service.WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.svc = svc

	closer, err := New(s.store, svc, Config{
		SweepInterval: time.Minute,
		SweepBatch:    2,
		SweepWorkers:  2,
	}, nil, nil)
	s.Require().NoError(err)
	s.closer = closer
	s.closer.now = func() time.Time { return s.now }
}

func (s *CloserSuite) newExchange(recurring bool) *models.Exchange {
	lat, lng := 40.7128, -74.0060
	req := service.CreateExchangeRequest{
		CaseID:       uuid.New(),
		FromParentID: uuid.New(),
		ToParentID:   uuid.New(),
		Lat:          &lat,
		Lng:          &lng,
		BeforeWindow: 15 * time.Minute,
		AfterWindow:  15 * time.Minute,
	}
	if recurring {
		req.Recurrence = &models.Recurrence{
			Weekdays:  []time.Weekday{s.now.Weekday()},
			TimeOfDay: "17:00",
			Timezone:  "UTC",
		}
	} else {
		scheduled := s.now
		req.ScheduledAt = &scheduled
	}
	ex, err := s.svc.CreateExchange(s.ctx, req)
	s.Require().NoError(err)
	return ex
}

func (s *CloserSuite) TestSweepClosesElapsedInstances() {
	ex := s.newExchange(false)
	inst, err := s.svc.EnsureInstance(s.ctx, ex, s.now)
	s.Require().NoError(err)

	// One party checked in during the window; the other never shows.
	_, err = s.svc.CheckInGPS(s.ctx, service.GPSCheckIn{
		InstanceID: inst.ID,
		Slot:       models.SlotFromParent,
		Lat:        40.7131,
		Lng:        -74.0060,
		AccuracyM:  10,
	})
	s.Require().NoError(err)

	s.now = inst.WindowEnd.Add(time.Minute)
	closed, err := s.closer.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, closed)

	got, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeOnePartyPresent, got.Outcome)
	s.True(got.AutoClosed)
}

func (s *CloserSuite) TestSweepIdempotent() {
	ex := s.newExchange(false)
	inst, err := s.svc.EnsureInstance(s.ctx, ex, s.now)
	s.Require().NoError(err)

	s.now = inst.WindowEnd.Add(time.Minute)
	closed, err := s.closer.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, closed)

	closed, err = s.closer.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Zero(closed)
}

func (s *CloserSuite) TestSweepPagesThroughBacklog() {
	ex := s.newExchange(false)
	// Five elapsed instances against a batch size of two.
	for i := range 5 {
		_, err := s.svc.EnsureInstance(s.ctx, ex, s.now.Add(time.Duration(i)*time.Hour))
		s.Require().NoError(err)
	}

	s.now = s.now.Add(6 * time.Hour)
	closed, err := s.closer.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, closed)

	due, err := s.store.ListDueForClose(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *CloserSuite) TestSweepSkipsOpenWindows() {
	ex := s.newExchange(false)
	_, err := s.svc.EnsureInstance(s.ctx, ex, s.now)
	s.Require().NoError(err)

	closed, err := s.closer.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Zero(closed)
}

func (s *CloserSuite) TestMaterialize() {
	s.newExchange(true)

	s.Require().NoError(s.closer.Materialize(s.ctx))

	due, err := s.store.ListDueForClose(s.ctx, s.now.Add(30*24*time.Hour), 100)
	s.Require().NoError(err)
	s.NotEmpty(due)
}
