package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"handoff/internal/exchange/models"
	"handoff/internal/exchange/window"
	dErrors "handoff/pkg/domain-errors"
)

// WindowStatusView pairs an instance with its live window classification.
type WindowStatusView struct {
	Instance *models.Instance
	Window   window.Status
}

// WindowStatus returns the instance with its window classified against now.
// The stored outcome is refreshed first so a caller polling after window end
// never sees a stale pending reading.
func (s *Service) WindowStatus(ctx context.Context, instanceID uuid.UUID) (*WindowStatusView, error) {
	inst, ex, err := s.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceActive && !inst.AutoClosed {
		inst, err = s.resolveAndPersist(ctx, inst, ex)
		if err != nil {
			return nil, err
		}
	}
	return &WindowStatusView{
		Instance: inst,
		Window:   window.FromBounds(inst.WindowStart, inst.WindowEnd, s.now()),
	}, nil
}

// Dispute flags a resolved instance as disputed. The underlying outcome is
// never reverted; the flag rides on top for compliance reporting and court
// review.
func (s *Service) Dispute(ctx context.Context, instanceID uuid.UUID, by models.ParentSlot, notes string) (*models.Instance, error) {
	if !by.Valid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown parent slot")
	}
	applied, err := s.store.SetDispute(ctx, instanceID, by, notes)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record dispute")
	}
	if !applied {
		return nil, dErrors.New(dErrors.CodeConflict, "instance has no resolved outcome to dispute")
	}
	if s.metrics != nil {
		s.metrics.Disputes.Inc()
	}
	return s.store.GetInstance(ctx, instanceID)
}

// Cancel freezes an instance before auto-close. Cancelled instances keep
// their history but drop out of compliance denominators.
func (s *Service) Cancel(ctx context.Context, instanceID uuid.UUID) (*models.Instance, error) {
	applied, err := s.store.CancelInstance(ctx, instanceID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel instance")
	}
	if !applied {
		return nil, dErrors.New(dErrors.CodeAlreadyClosed, "exchange instance is already closed")
	}
	return s.store.GetInstance(ctx, instanceID)
}

// CloseInstance force-finalizes an instance whose window has elapsed. Safe to
// call concurrently and repeatedly: the outcome is derived fresh from the
// slots and the close itself is a conditional write.
func (s *Service) CloseInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "exchange.close_instance", trace.WithAttributes(
		attribute.String("instance_id", inst.ID.String()),
	))
	defer span.End()

	ex, err := s.store.GetExchange(ctx, inst.ExchangeID)
	if err != nil {
		return false, err
	}

	ws := window.FromBounds(inst.WindowStart, inst.WindowEnd, s.now())
	if !ws.IsAfter {
		return false, nil
	}
	res := Resolve(inst, ex.QRConfirmationRequired, ws)

	applied, err := s.store.SaveOutcome(ctx, inst.ID, res.Outcome, res.QRMissing, true)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to finalize outcome")
	}
	if !applied {
		return false, nil
	}

	inst.Outcome = res.Outcome
	inst.QRMissing = res.QRMissing
	inst.AutoClosed = true
	s.recordOutcome(ctx, inst, true)
	return true, nil
}
