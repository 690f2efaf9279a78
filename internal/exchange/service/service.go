// Package service implements the exchange verification engine: check-in
// recording, QR confirmation, outcome resolution, and instance lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"handoff/internal/exchange/events"
	"handoff/internal/exchange/metrics"
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/qr"
	"handoff/internal/exchange/store/instance"
	"handoff/internal/exchange/window"
	"handoff/internal/geocode"
	dErrors "handoff/pkg/domain-errors"
)

// Config carries the tunables of the verification engine.
type Config struct {
	// GPS accuracy above this is recorded but annotated low-confidence.
	AccuracyThresholdM     float64
	DefaultGeofenceRadiusM float64
	// MapTileTemplate, when set, formats (lat, lng) into a static map image
	// URL for court export rendering.
	MapTileTemplate string
}

// Service coordinates stores, the QR confirmer, and event publishing.
type Service struct {
	store     instance.Store
	qr        *qr.Service
	geocoder  geocode.Resolver
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a logger for operational events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher sets the outcome event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithGeocoder sets the address-resolution collaborator used at
// exchange-definition time.
func WithGeocoder(g geocode.Resolver) Option {
	return func(s *Service) { s.geocoder = g }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the verification service.
func New(store instance.Store, qrSvc *qr.Service, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("instance store is required")
	}
	if qrSvc == nil {
		return nil, fmt.Errorf("qr service is required")
	}
	if cfg.AccuracyThresholdM <= 0 {
		cfg.AccuracyThresholdM = 150
	}
	if cfg.DefaultGeofenceRadiusM <= 0 {
		cfg.DefaultGeofenceRadiusM = 100
	}

	s := &Service{
		store:     store,
		qr:        qrSvc,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("handoff/exchange"),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// loadInstance fetches an instance and its definition together.
func (s *Service) loadInstance(ctx context.Context, id uuid.UUID) (*models.Instance, *models.Exchange, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ex, err := s.store.GetExchange(ctx, inst.ExchangeID)
	if err != nil {
		return nil, nil, err
	}
	return inst, ex, nil
}

// guardWritable rejects writes against closed or cancelled instances.
func guardWritable(inst *models.Instance) error {
	if inst.Status == models.InstanceCancelled {
		return dErrors.New(dErrors.CodeAlreadyClosed, "exchange instance is cancelled")
	}
	if inst.AutoClosed {
		return dErrors.New(dErrors.CodeAlreadyClosed, "exchange instance is already closed")
	}
	return nil
}

// resolveAndPersist recomputes the outcome from current state and persists it
// when it moved. The derived outcome is a materialized view: slots plus
// window config stay the source of truth.
func (s *Service) resolveAndPersist(ctx context.Context, inst *models.Instance, ex *models.Exchange) (*models.Instance, error) {
	ws := window.FromBounds(inst.WindowStart, inst.WindowEnd, s.now())
	res := Resolve(inst, ex.QRConfirmationRequired, ws)
	if res.Outcome == inst.Outcome && res.QRMissing == inst.QRMissing {
		return inst, nil
	}

	applied, err := s.store.SaveOutcome(ctx, inst.ID, res.Outcome, res.QRMissing, false)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist outcome")
	}
	if !applied {
		// Lost the race against the window closer; its derivation of the
		// same slots wins.
		return s.store.GetInstance(ctx, inst.ID)
	}

	inst.Outcome = res.Outcome
	inst.QRMissing = res.QRMissing
	s.recordOutcome(ctx, inst, false)
	return inst, nil
}

func (s *Service) recordOutcome(ctx context.Context, inst *models.Instance, autoClosed bool) {
	if s.metrics != nil {
		s.metrics.OutcomesResolved.WithLabelValues(string(inst.Outcome)).Inc()
	}
	s.publisher.OutcomeChanged(ctx, events.OutcomeEvent{
		InstanceID: inst.ID,
		ExchangeID: inst.ExchangeID,
		CaseID:     inst.CaseID,
		Outcome:    inst.Outcome,
		QRMissing:  inst.QRMissing,
		AutoClosed: autoClosed,
		OccurredAt: s.now(),
	})
}
