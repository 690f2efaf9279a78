// Package handler exposes the exchange verification engine over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"handoff/internal/exchange/compliance"
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/qr"
	"handoff/internal/exchange/service"
	"handoff/internal/platform/metrics"
	"handoff/internal/platform/middleware"
	dErrors "handoff/pkg/domain-errors"
)

// Service defines the exchange operations the HTTP layer delegates to.
type Service interface {
	WindowStatus(ctx context.Context, instanceID uuid.UUID) (*service.WindowStatusView, error)
	CheckInGPS(ctx context.Context, req service.GPSCheckIn) (*service.CheckInResult, error)
	CheckInManual(ctx context.Context, req service.ManualCheckIn) (*service.CheckInResult, error)
	IssueQRToken(ctx context.Context, instanceID uuid.UUID) (*qr.IssuedToken, error)
	ConfirmQR(ctx context.Context, instanceID uuid.UUID, token, code string) (*models.Instance, error)
	Dispute(ctx context.Context, instanceID uuid.UUID, by models.ParentSlot, notes string) (*models.Instance, error)
	Cancel(ctx context.Context, instanceID uuid.UUID) (*models.Instance, error)
	CreateExchange(ctx context.Context, req service.CreateExchangeRequest) (*models.Exchange, error)
	Details(ctx context.Context, caseID uuid.UUID, from, to time.Time) (*service.CaseDetails, error)
}

// Reporter defines the read-only compliance rollup.
type Reporter interface {
	Metrics(ctx context.Context, caseID uuid.UUID, from, to time.Time) (*compliance.Report, error)
}

// Handler handles exchange verification endpoints.
type Handler struct {
	logger   *slog.Logger
	exchange Service
	reporter Reporter
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// New creates a new exchange Handler.
func New(exchange Service, reporter Reporter, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		exchange: exchange,
		reporter: reporter,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register registers the exchange routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.ContentTypeJSON)
	router.Use(middleware.Latency(h.metrics))

	router.Get("/exchange/instances/{id}/window", h.handleWindowStatus)
	router.Post("/exchange/instances/{id}/check-in/gps", h.handleGPSCheckIn)
	router.Post("/exchange/instances/{id}/check-in/manual", h.handleManualCheckIn)
	router.Get("/exchange/instances/{id}/qr-token", h.handleIssueQRToken)
	router.Post("/exchange/instances/{id}/confirm-qr", h.handleConfirmQR)
	router.Post("/exchange/instances/{id}/dispute", h.handleDispute)
	router.Post("/exchange/instances/{id}/cancel", h.handleCancel)
	router.Get("/exchange/cases/{caseID}/compliance", h.handleCompliance)
	router.Get("/exchange/cases/{caseID}/details", h.handleDetails)
	router.Post("/exchange/definitions", h.handleCreateDefinition)

	r.Mount("/", router)
}

type windowResponse struct {
	Instance         *models.Instance `json:"instance"`
	WindowStart      time.Time        `json:"window_start"`
	WindowEnd        time.Time        `json:"window_end"`
	IsBefore         bool             `json:"is_before_window"`
	IsWithin         bool             `json:"is_within_window"`
	IsAfter          bool             `json:"is_after_window"`
	MinutesUntil     int              `json:"minutes_until_window"`
	MinutesRemaining int              `json:"minutes_remaining"`
}

func (h *Handler) handleWindowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.exchange.WindowStatus(ctx, id)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to read window status")
		return
	}
	h.writeJSON(w, http.StatusOK, windowResponse{
		Instance:         view.Instance,
		WindowStart:      view.Window.Start,
		WindowEnd:        view.Window.End,
		IsBefore:         view.Window.IsBefore,
		IsWithin:         view.Window.IsWithin,
		IsAfter:          view.Window.IsAfter,
		MinutesUntil:     view.Window.MinutesUntil,
		MinutesRemaining: view.Window.MinutesRemaining,
	})
}

type gpsCheckInRequest struct {
	Slot      string   `json:"slot" validate:"required,oneof=from_parent to_parent"`
	Lat       *float64 `json:"lat" validate:"required"`
	Lng       *float64 `json:"lng" validate:"required"`
	AccuracyM float64  `json:"device_accuracy_m" validate:"gte=0"`
}

type checkInResponse struct {
	Instance      *models.Instance  `json:"instance"`
	Slot          models.ParentSlot `json:"slot"`
	DistanceM     *float64          `json:"distance_m,omitempty"`
	InGeofence    *bool             `json:"in_geofence"`
	LowConfidence bool              `json:"low_confidence,omitempty"`
	Warning       string            `json:"warning,omitempty"`
}

func (h *Handler) handleGPSCheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req gpsCheckInRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	res, err := h.exchange.CheckInGPS(ctx, service.GPSCheckIn{
		InstanceID: id,
		Slot:       models.ParentSlot(req.Slot),
		Lat:        *req.Lat,
		Lng:        *req.Lng,
		AccuracyM:  req.AccuracyM,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.serviceError(ctx, w, err, "failed to record gps check-in")
		return
	}
	h.writeJSON(w, http.StatusOK, checkInResponse{
		Instance:      res.Instance,
		Slot:          res.Slot,
		DistanceM:     res.DistanceM,
		InGeofence:    res.InGeofence,
		LowConfidence: res.LowConfidence,
		Warning:       res.Warning,
	})
}

type manualCheckInRequest struct {
	Slot string `json:"slot" validate:"required,oneof=from_parent to_parent"`
}

func (h *Handler) handleManualCheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req manualCheckInRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	res, err := h.exchange.CheckInManual(ctx, service.ManualCheckIn{
		InstanceID: id,
		Slot:       models.ParentSlot(req.Slot),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.serviceError(ctx, w, err, "failed to record manual check-in")
		return
	}
	h.writeJSON(w, http.StatusOK, checkInResponse{
		Instance:   res.Instance,
		Slot:       res.Slot,
		InGeofence: res.InGeofence,
		Warning:    res.Warning,
	})
}

type qrTokenResponse struct {
	Token     string    `json:"token"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleIssueQRToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	tok, err := h.exchange.IssueQRToken(ctx, id)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to issue qr token")
		return
	}
	h.writeJSON(w, http.StatusOK, qrTokenResponse{
		Token:     tok.Token,
		Code:      tok.Code,
		ExpiresAt: tok.ExpiresAt,
	})
}

type confirmQRRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

func (h *Handler) handleConfirmQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req confirmQRRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	if req.Token == "" && req.Code == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "token or code is required"))
		return
	}
	inst, err := h.exchange.ConfirmQR(ctx, id, req.Token, req.Code)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to confirm qr")
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

type disputeRequest struct {
	Slot  string `json:"slot" validate:"required,oneof=from_parent to_parent"`
	Notes string `json:"notes" validate:"required,max=2000"`
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req disputeRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	inst, err := h.exchange.Dispute(ctx, id, models.ParentSlot(req.Slot), req.Notes)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to flag dispute")
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.exchange.Cancel(ctx, id)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to cancel instance")
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) handleCompliance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, ok := h.pathUUID(w, r, "caseID")
	if !ok {
		return
	}
	from, to, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	report, err := h.reporter.Metrics(ctx, caseID, from, to)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to compute compliance report")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, ok := h.pathUUID(w, r, "caseID")
	if !ok {
		return
	}
	from, to, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	details, err := h.exchange.Details(ctx, caseID, from, to)
	if err != nil {
		h.serviceError(ctx, w, err, "failed to assemble case details")
		return
	}
	h.writeJSON(w, http.StatusOK, details)
}

type recurrenceRequest struct {
	Weekdays  []int      `json:"weekdays" validate:"required,min=1,dive,gte=0,lte=6"`
	TimeOfDay string     `json:"time_of_day" validate:"required"`
	Timezone  string     `json:"timezone"`
	Until     *time.Time `json:"until"`
}

type createDefinitionRequest struct {
	CaseID       uuid.UUID   `json:"case_id" validate:"required"`
	FromParentID uuid.UUID   `json:"from_parent_id" validate:"required"`
	ToParentID   uuid.UUID   `json:"to_parent_id" validate:"required"`
	ChildIDs     []uuid.UUID `json:"child_ids"`

	Address         string   `json:"address"`
	Lat             *float64 `json:"lat"`
	Lng             *float64 `json:"lng"`
	GeofenceRadiusM float64  `json:"geofence_radius_m" validate:"gte=0"`

	ScheduledAt *time.Time         `json:"scheduled_at"`
	Recurrence  *recurrenceRequest `json:"recurrence"`

	BeforeWindowMinutes int `json:"before_window_minutes" validate:"gte=0,lte=720"`
	AfterWindowMinutes  int `json:"after_window_minutes" validate:"gte=0,lte=720"`

	SilentHandoffEnabled   bool `json:"silent_handoff_enabled"`
	QRConfirmationRequired bool `json:"qr_confirmation_required"`
}

func (h *Handler) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createDefinitionRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}

	var rec *models.Recurrence
	if req.Recurrence != nil {
		weekdays := make([]time.Weekday, 0, len(req.Recurrence.Weekdays))
		for _, wd := range req.Recurrence.Weekdays {
			weekdays = append(weekdays, time.Weekday(wd))
		}
		rec = &models.Recurrence{
			Weekdays:  weekdays,
			TimeOfDay: req.Recurrence.TimeOfDay,
			Timezone:  req.Recurrence.Timezone,
			Until:     req.Recurrence.Until,
		}
	}

	ex, err := h.exchange.CreateExchange(ctx, service.CreateExchangeRequest{
		CaseID:                 req.CaseID,
		FromParentID:           req.FromParentID,
		ToParentID:             req.ToParentID,
		ChildIDs:               req.ChildIDs,
		Address:                req.Address,
		Lat:                    req.Lat,
		Lng:                    req.Lng,
		GeofenceRadiusM:        req.GeofenceRadiusM,
		ScheduledAt:            req.ScheduledAt,
		Recurrence:             rec,
		BeforeWindow:           time.Duration(req.BeforeWindowMinutes) * time.Minute,
		AfterWindow:            time.Duration(req.AfterWindowMinutes) * time.Minute,
		SilentHandoffEnabled:   req.SilentHandoffEnabled,
		QRConfirmationRequired: req.QRConfirmationRequired,
	})
	if err != nil {
		h.serviceError(ctx, w, err, "failed to create exchange definition")
		return
	}
	h.writeJSON(w, http.StatusCreated, ex)
}

// pathUUID parses a UUID path parameter, writing a 400 on failure.
func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// dateRange parses the start/end query parameters (RFC 3339), writing a 400
// on failure.
func (h *Handler) dateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "start must be RFC 3339"))
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "end must be RFC 3339"))
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// decode unmarshals and validates a JSON request body, writing a 400 on
// failure.
func (h *Handler) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.logger.WarnContext(ctx, "request validation failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "request validation failed"))
		return false
	}
	return true
}

// serviceError logs and writes a service error. Client errors keep their
// domain code and message; anything else is masked as internal.
func (h *Handler) serviceError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	requestID := middleware.GetRequestID(ctx)
	if dErrors.ToHTTPStatus(dErrors.CodeOf(err)) < http.StatusInternalServerError {
		h.logger.WarnContext(ctx, msg,
			"request_id", requestID,
			"code", dErrors.CodeOf(err),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	h.logger.ErrorContext(ctx, msg,
		"request_id", requestID,
		"error", err.Error(),
	)
	writeError(w, dErrors.New(dErrors.CodeInternal, msg))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dErrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(code),
		"message": dErrors.MessageOf(err),
	})
}
