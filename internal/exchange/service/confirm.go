package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"handoff/internal/exchange/models"
	"handoff/internal/exchange/qr"
	dErrors "handoff/pkg/domain-errors"
)

// IssueQRToken mints a confirmation token for an open instance. The token is
// rendered as a QR code by the client; the numeric code is its fallback.
func (s *Service) IssueQRToken(ctx context.Context, instanceID uuid.UUID) (*qr.IssuedToken, error) {
	ctx, span := s.tracer.Start(ctx, "exchange.issue_qr_token", trace.WithAttributes(
		attribute.String("instance_id", instanceID.String()),
	))
	defer span.End()

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := guardWritable(inst); err != nil {
		return nil, err
	}

	token, err := s.qr.Issue(ctx, inst, s.now())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.QRTokensIssued.Inc()
	}
	return token, nil
}

// ConfirmQR validates a scanned token (or its fallback code) and records the
// mutual confirmation. Confirming an already confirmed instance is a no-op
// success: both parents scanning near-simultaneously must not produce an
// error for the slower one.
func (s *Service) ConfirmQR(ctx context.Context, instanceID uuid.UUID, token, code string) (*models.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "exchange.confirm_qr", trace.WithAttributes(
		attribute.String("instance_id", instanceID.String()),
	))
	defer span.End()

	inst, ex, err := s.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.QRConfirmedAt != nil {
		return inst, nil
	}
	if err := guardWritable(inst); err != nil {
		return nil, err
	}

	switch {
	case token != "":
		err = s.qr.ConfirmToken(ctx, inst, token, s.now())
	case code != "":
		err = s.qr.ConfirmCode(ctx, inst, code, s.now())
	default:
		err = dErrors.New(dErrors.CodeInvalidInput, "token or code is required")
	}
	if err != nil {
		return nil, err
	}

	applied, err := s.store.SetQRConfirmed(ctx, instanceID, s.now())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record confirmation")
	}
	if !applied {
		// Either the other parent's confirm won the race (fine) or the
		// instance closed underneath us.
		current, getErr := s.store.GetInstance(ctx, instanceID)
		if getErr != nil {
			return nil, getErr
		}
		if current.QRConfirmedAt == nil {
			return nil, dErrors.New(dErrors.CodeAlreadyClosed, "exchange instance is already closed")
		}
		inst = current
	} else {
		if s.metrics != nil {
			s.metrics.QRConfirmations.Inc()
		}
		inst, err = s.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
	}

	return s.resolveAndPersist(ctx, inst, ex)
}
