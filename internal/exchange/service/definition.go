package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/geo"
	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

// CreateExchangeRequest defines a new custody exchange.
type CreateExchangeRequest struct {
	CaseID       uuid.UUID
	FromParentID uuid.UUID
	ToParentID   uuid.UUID
	ChildIDs     []uuid.UUID

	Address         string
	Lat             *float64
	Lng             *float64
	GeofenceRadiusM float64

	ScheduledAt *time.Time
	Recurrence  *models.Recurrence

	BeforeWindow time.Duration
	AfterWindow  time.Duration

	SilentHandoffEnabled   bool
	QRConfirmationRequired bool
}

// CreateExchange validates and persists a definition, geocoding the address
// when coordinates were not supplied, and materializes the first instances.
func (s *Service) CreateExchange(ctx context.Context, req CreateExchangeRequest) (*models.Exchange, error) {
	if req.FromParentID == req.ToParentID {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "from_parent and to_parent must differ")
	}
	if (req.ScheduledAt == nil) == (req.Recurrence == nil) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "exactly one of scheduled_at or recurrence is required")
	}
	if req.Recurrence != nil && len(req.Recurrence.Weekdays) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "recurrence requires at least one weekday")
	}

	loc := models.Location{
		Address:         req.Address,
		GeofenceRadiusM: req.GeofenceRadiusM,
	}
	if loc.GeofenceRadiusM <= 0 {
		loc.GeofenceRadiusM = s.cfg.DefaultGeofenceRadiusM
	}
	switch {
	case req.Lat != nil && req.Lng != nil:
		if err := geo.ValidateCoordinate(*req.Lat, *req.Lng); err != nil {
			return nil, err
		}
		loc.Lat, loc.Lng = *req.Lat, *req.Lng
		loc.FormattedAddress = req.Address
		loc.GeocodeAccuracy = models.GeocodeExact
	case s.geocoder != nil && req.Address != "":
		res, err := s.geocoder.Geocode(ctx, req.Address)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to geocode address")
		}
		loc.Lat, loc.Lng = res.Lat, res.Lng
		loc.FormattedAddress = res.FormattedAddress
		loc.GeocodeAccuracy = res.Accuracy
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "coordinates or a geocodable address are required")
	}

	before, after := req.BeforeWindow, req.AfterWindow
	if before <= 0 {
		before = 15 * time.Minute
	}
	if after <= 0 {
		after = 15 * time.Minute
	}

	now := s.now()
	ex := &models.Exchange{
		ID:                     uuid.New(),
		CaseID:                 req.CaseID,
		FromParentID:           req.FromParentID,
		ToParentID:             req.ToParentID,
		ChildIDs:               req.ChildIDs,
		Location:               loc,
		ScheduledAt:            req.ScheduledAt,
		Recurrence:             req.Recurrence,
		BeforeWindow:           before,
		AfterWindow:            after,
		Status:                 models.ExchangeActive,
		SilentHandoffEnabled:   req.SilentHandoffEnabled,
		QRConfirmationRequired: req.QRConfirmationRequired,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.CreateExchange(ctx, ex); err != nil {
		return nil, err
	}

	if ex.ScheduledAt != nil {
		if _, err := s.EnsureInstance(ctx, ex, *ex.ScheduledAt); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

// UpdateExchange persists definition changes. Already-materialized instances
// keep their cached window bounds.
func (s *Service) UpdateExchange(ctx context.Context, ex *models.Exchange) error {
	if err := geo.ValidateCoordinate(ex.Location.Lat, ex.Location.Lng); err != nil {
		return err
	}
	ex.UpdatedAt = s.now()
	return s.store.UpdateExchange(ctx, ex)
}

// PauseExchange stops future instance generation while preserving history.
func (s *Service) PauseExchange(ctx context.Context, exchangeID uuid.UUID) error {
	return s.store.SetExchangeStatus(ctx, exchangeID, models.ExchangePaused)
}

// EnsureInstance creates (or fetches) the instance for one occurrence,
// caching the window bounds so later definition updates do not rewrite
// evidentiary history.
func (s *Service) EnsureInstance(ctx context.Context, ex *models.Exchange, scheduledAt time.Time) (*models.Instance, error) {
	now := s.now()
	inst := &models.Instance{
		ID:          uuid.New(),
		ExchangeID:  ex.ID,
		CaseID:      ex.CaseID,
		ScheduledAt: scheduledAt,
		WindowStart: scheduledAt.Add(-ex.BeforeWindow),
		WindowEnd:   scheduledAt.Add(ex.AfterWindow),
		Outcome:     models.OutcomePending,
		Status:      models.InstanceActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.store.CreateInstance(ctx, inst)
}

// MaterializeDue ensures instances exist for every active recurring
// definition over the given horizon. Idempotent: re-running only fills gaps.
// Returns how many occurrences were ensured, new or pre-existing.
func (s *Service) MaterializeDue(ctx context.Context, horizon time.Duration) (int, error) {
	exchanges, err := s.store.ListActiveRecurring(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	created := 0
	for _, ex := range exchanges {
		times, err := Occurrences(ex.Recurrence, now, now.Add(horizon))
		if err != nil {
			s.logger.ErrorContext(ctx, "invalid recurrence",
				"exchange_id", ex.ID, "error", err)
			continue
		}
		for _, t := range times {
			if _, err := s.EnsureInstance(ctx, ex, t); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// Occurrences expands a recurrence into concrete scheduled times within
// [from, to].
func Occurrences(rec *models.Recurrence, from, to time.Time) ([]time.Time, error) {
	if rec == nil {
		return nil, nil
	}
	tz := rec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "unknown timezone")
	}
	tod, err := time.ParseInLocation("15:04", rec.TimeOfDay, loc)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "time_of_day must be HH:MM")
	}

	weekdays := make(map[time.Weekday]bool, len(rec.Weekdays))
	for _, wd := range rec.Weekdays {
		weekdays[wd] = true
	}

	var out []time.Time
	day := from.In(loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for !day.After(to.In(loc)) {
		if weekdays[day.Weekday()] {
			occ := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
			inRange := !occ.Before(from) && !occ.After(to)
			beforeEnd := rec.Until == nil || !occ.After(*rec.Until)
			if inRange && beforeEnd {
				out = append(out, occ)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}
