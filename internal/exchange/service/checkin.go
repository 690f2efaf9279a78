package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"handoff/internal/exchange/device"
	"handoff/internal/exchange/geo"
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/store/instance"
	"handoff/internal/exchange/window"
	dErrors "handoff/pkg/domain-errors"
)

// GPSCheckIn is a parent's GPS check-in request.
type GPSCheckIn struct {
	InstanceID uuid.UUID
	Slot       models.ParentSlot
	Lat        float64
	Lng        float64
	AccuracyM  float64
	UserAgent  string
}

// ManualCheckIn is the degraded-mode check-in without a GPS fix.
type ManualCheckIn struct {
	InstanceID uuid.UUID
	Slot       models.ParentSlot
	UserAgent  string
}

// CheckInResult reports a recorded check-in. Warning carries the
// low-confidence annotation; an out-of-geofence or low-accuracy check-in is
// still recorded, never blocked, because verification records truth rather
// than gating the handoff.
type CheckInResult struct {
	Instance      *models.Instance
	Slot          models.ParentSlot
	DistanceM     *float64
	InGeofence    *bool
	LowConfidence bool
	Warning       string
}

// CheckInGPS records a GPS check-in for one parent slot and re-derives the
// instance outcome.
func (s *Service) CheckInGPS(ctx context.Context, req GPSCheckIn) (*CheckInResult, error) {
	ctx, span := s.tracer.Start(ctx, "exchange.check_in_gps", trace.WithAttributes(
		attribute.String("instance_id", req.InstanceID.String()),
		attribute.String("slot", string(req.Slot)),
	))
	defer span.End()

	if !req.Slot.Valid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown parent slot")
	}
	// Reject malformed coordinates before touching any state.
	if err := geo.ValidateCoordinate(req.Lat, req.Lng); err != nil {
		s.countCheckIn(req.Slot, "gps", "rejected")
		return nil, err
	}

	inst, ex, err := s.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInPreconditions(inst); err != nil {
		s.countCheckIn(req.Slot, "gps", "rejected")
		return nil, err
	}

	distance, err := geo.DistanceMeters(req.Lat, req.Lng, ex.Location.Lat, ex.Location.Lng)
	if err != nil {
		s.countCheckIn(req.Slot, "gps", "rejected")
		return nil, err
	}
	radius := ex.Location.GeofenceRadiusM
	if radius <= 0 {
		radius = s.cfg.DefaultGeofenceRadiusM
	}
	inGeofence := geo.InGeofence(distance, radius)
	lowConfidence := req.AccuracyM > s.cfg.AccuracyThresholdM

	now := s.now()
	lat, lng, accuracy := req.Lat, req.Lng, req.AccuracyM
	write := instance.SlotWrite{
		At:            now,
		Lat:           &lat,
		Lng:           &lng,
		AccuracyM:     &accuracy,
		DistanceM:     &distance,
		InGeofence:    &inGeofence,
		LowConfidence: lowConfidence,
		Device:        device.Describe(req.UserAgent),
	}
	inst, err = s.applySlotWrite(ctx, inst, ex, req.Slot, write, "gps")
	if err != nil {
		return nil, err
	}

	result := &CheckInResult{
		Instance:      inst,
		Slot:          req.Slot,
		DistanceM:     &distance,
		InGeofence:    &inGeofence,
		LowConfidence: lowConfidence,
	}
	if lowConfidence {
		result.Warning = "low_confidence_gps"
	}
	return result, nil
}

// CheckInManual records a check-in without GPS evidence. Same preconditions;
// in_geofence stays null.
func (s *Service) CheckInManual(ctx context.Context, req ManualCheckIn) (*CheckInResult, error) {
	ctx, span := s.tracer.Start(ctx, "exchange.check_in_manual", trace.WithAttributes(
		attribute.String("instance_id", req.InstanceID.String()),
		attribute.String("slot", string(req.Slot)),
	))
	defer span.End()

	if !req.Slot.Valid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown parent slot")
	}

	inst, ex, err := s.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInPreconditions(inst); err != nil {
		s.countCheckIn(req.Slot, "manual", "rejected")
		return nil, err
	}

	write := instance.SlotWrite{
		At:     s.now(),
		Manual: true,
		Device: device.Describe(req.UserAgent),
	}
	inst, err = s.applySlotWrite(ctx, inst, ex, req.Slot, write, "manual")
	if err != nil {
		return nil, err
	}

	return &CheckInResult{Instance: inst, Slot: req.Slot}, nil
}

// checkInPreconditions enforces the hard evidentiary boundary: no writes to
// closed or cancelled instances, and no check-ins outside the window.
func (s *Service) checkInPreconditions(inst *models.Instance) error {
	if err := guardWritable(inst); err != nil {
		return err
	}
	ws := window.FromBounds(inst.WindowStart, inst.WindowEnd, s.now())
	if ws.IsAfter {
		return dErrors.New(dErrors.CodeWindowClosed, "check-in window has closed")
	}
	if ws.IsBefore {
		return dErrors.New(dErrors.CodeWindowClosed, "check-in window is not open yet")
	}
	return nil
}

func (s *Service) applySlotWrite(ctx context.Context, inst *models.Instance, ex *models.Exchange, slot models.ParentSlot, write instance.SlotWrite, method string) (*models.Instance, error) {
	applied, err := s.store.SetSlotIfWritable(ctx, inst.ID, slot, write)
	if err != nil {
		s.countCheckIn(slot, method, "error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record check-in")
	}
	if !applied {
		s.countCheckIn(slot, method, "rejected")
		// The conditional write refused; report the precise reason.
		current, getErr := s.store.GetInstance(ctx, inst.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.QRConfirmedAt != nil {
			return nil, dErrors.New(dErrors.CodeConflict, "check-in is frozen after mutual confirmation")
		}
		return nil, dErrors.New(dErrors.CodeAlreadyClosed, "exchange instance is already closed")
	}
	s.countCheckIn(slot, method, "ok")

	updated, err := s.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return s.resolveAndPersist(ctx, updated, ex)
}

func (s *Service) countCheckIn(slot models.ParentSlot, method, result string) {
	if s.metrics != nil {
		s.metrics.CheckIns.WithLabelValues(string(slot), method, result).Inc()
	}
}
