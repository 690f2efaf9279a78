package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

// InstanceDetail is one instance of the court export, joined with its
// definition's location and a rendered static map link.
type InstanceDetail struct {
	Instance *models.Instance `json:"instance"`
	Location models.Location  `json:"location"`
	MapURL   string           `json:"map_url,omitempty"`
}

// CaseDetails is the evidentiary export for one case over a date range.
type CaseDetails struct {
	CaseID    uuid.UUID        `json:"case_id"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Instances []InstanceDetail `json:"instances"`
}

// Details returns the full per-instance record for a case over [from, to],
// including GPS evidence and a static map URL per instance. Outcomes of
// still-open instances are refreshed before the export is assembled.
func (s *Service) Details(ctx context.Context, caseID uuid.UUID, from, to time.Time) (*CaseDetails, error) {
	if to.Before(from) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "range end precedes start")
	}
	instances, err := s.store.ListInstancesInRange(ctx, caseID, from, to)
	if err != nil {
		return nil, err
	}

	exchanges := make(map[uuid.UUID]*models.Exchange)
	details := make([]InstanceDetail, 0, len(instances))
	for _, inst := range instances {
		ex, ok := exchanges[inst.ExchangeID]
		if !ok {
			ex, err = s.store.GetExchange(ctx, inst.ExchangeID)
			if err != nil {
				return nil, err
			}
			exchanges[inst.ExchangeID] = ex
		}
		if inst.Status == models.InstanceActive && !inst.AutoClosed {
			if inst, err = s.resolveAndPersist(ctx, inst, ex); err != nil {
				return nil, err
			}
		}
		details = append(details, InstanceDetail{
			Instance: inst,
			Location: ex.Location,
			MapURL:   s.mapURL(ex.Location),
		})
	}
	return &CaseDetails{CaseID: caseID, From: from, To: to, Instances: details}, nil
}

// mapURL renders the static map tile template for a location. Placeholders:
// {lat}, {lng}, {radius}.
func (s *Service) mapURL(loc models.Location) string {
	if s.cfg.MapTileTemplate == "" {
		return ""
	}
	return strings.NewReplacer(
		"{lat}", strconv.FormatFloat(loc.Lat, 'f', 6, 64),
		"{lng}", strconv.FormatFloat(loc.Lng, 'f', 6, 64),
		"{radius}", strconv.FormatFloat(loc.GeofenceRadiusM, 'f', 0, 64),
	).Replace(s.cfg.MapTileTemplate)
}
