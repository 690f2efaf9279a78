// Package compliance rolls up exchange instances into the per-case report
// consumed by dashboards and court exports. Read-only over the store.
package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/models"
	"handoff/internal/exchange/store/instance"
	dErrors "handoff/pkg/domain-errors"
)

// Status classifies a case's overall exchange compliance.
type Status string

const (
	StatusExcellent        Status = "excellent"
	StatusGood             Status = "good"
	StatusNeedsImprovement Status = "needs_improvement"
	StatusConcerning       Status = "concerning"
	StatusNoData           Status = "no_data"
)

// OutcomeCounts tallies terminal and in-flight classifications over a range.
// Disputed is orthogonal and counts instances regardless of their outcome.
type OutcomeCounts struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	Missed          int `json:"missed"`
	OnePartyPresent int `json:"one_party_present"`
	Pending         int `json:"pending"`
	Disputed        int `json:"disputed"`
}

// RoleMetrics aggregates one parent role's check-in performance. Averages and
// rates are zero when the role never checked in.
type RoleMetrics struct {
	CheckIns     int     `json:"check_ins"`
	AvgDistanceM float64 `json:"avg_distance_m"`
	GeofenceRate float64 `json:"geofence_rate"`
	OnTimeRate   float64 `json:"on_time_rate"`
}

// Report is the compliance rollup for one case over a date range.
type Report struct {
	CaseID uuid.UUID `json:"case_id"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`

	Outcomes   OutcomeCounts `json:"outcomes"`
	FromParent RoleMetrics   `json:"from_parent"`
	ToParent   RoleMetrics   `json:"to_parent"`

	GPSVerifiedRate        float64 `json:"gps_verified_rate"`
	GeofenceComplianceRate float64 `json:"geofence_compliance_rate"`
	OnTimeRate             float64 `json:"on_time_rate"`

	Status Status `json:"status"`
}

// Aggregator computes compliance reports from stored instances.
type Aggregator struct {
	store  instance.Store
	grace  time.Duration
	logger *slog.Logger
}

// New wires an Aggregator. grace is the on-time sub-window around
// scheduled_at, independent of the wider verification window.
func New(store instance.Store, grace time.Duration, logger *slog.Logger) *Aggregator {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, grace: grace, logger: logger}
}

// Metrics scans the case's instances scheduled within [from, to] and returns
// the rollup. Cancelled instances are excluded from every denominator.
// Safe to call repeatedly; never writes.
func (a *Aggregator) Metrics(ctx context.Context, caseID uuid.UUID, from, to time.Time) (*Report, error) {
	if to.Before(from) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "range end precedes start")
	}
	instances, err := a.store.ListInstancesInRange(ctx, caseID, from, to)
	if err != nil {
		return nil, err
	}

	report := &Report{CaseID: caseID, From: from, To: to}
	var fromAcc, toAcc roleAccumulator
	var gpsCheckIns, inGeofence, totalCheckIns, onTime int

	for _, inst := range instances {
		if inst.Status == models.InstanceCancelled {
			continue
		}
		report.Outcomes.Total++
		switch inst.Outcome {
		case models.OutcomeCompleted:
			report.Outcomes.Completed++
		case models.OutcomeMissed:
			report.Outcomes.Missed++
		case models.OutcomeOnePartyPresent:
			report.Outcomes.OnePartyPresent++
		default:
			report.Outcomes.Pending++
		}
		if inst.IsDisputed {
			report.Outcomes.Disputed++
		}

		for _, slot := range []struct {
			acc *roleAccumulator
			rec models.CheckInSlot
		}{
			{&fromAcc, inst.FromSlot},
			{&toAcc, inst.ToSlot},
		} {
			if !slot.rec.CheckedIn {
				continue
			}
			totalCheckIns++
			slot.acc.checkIns++
			if slot.rec.DistanceM != nil {
				slot.acc.distanceSum += *slot.rec.DistanceM
				slot.acc.distanceCount++
			}
			if slot.rec.Lat != nil && slot.rec.Lng != nil {
				gpsCheckIns++
			}
			if slot.rec.InGeofence != nil && *slot.rec.InGeofence {
				slot.acc.inGeofence++
				inGeofence++
			}
			if slot.rec.CheckedInAt != nil && a.onTime(inst.ScheduledAt, *slot.rec.CheckedInAt) {
				slot.acc.onTime++
				onTime++
			}
		}
	}

	report.FromParent = fromAcc.metrics()
	report.ToParent = toAcc.metrics()
	report.GPSVerifiedRate = rate(gpsCheckIns, totalCheckIns)
	report.GeofenceComplianceRate = rate(inGeofence, gpsCheckIns)
	report.OnTimeRate = rate(onTime, totalCheckIns)
	report.Status = classify(report)
	return report, nil
}

func (a *Aggregator) onTime(scheduledAt, checkedInAt time.Time) bool {
	delta := checkedInAt.Sub(scheduledAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= a.grace
}

type roleAccumulator struct {
	checkIns      int
	distanceSum   float64
	distanceCount int
	inGeofence    int
	onTime        int
}

func (r roleAccumulator) metrics() RoleMetrics {
	m := RoleMetrics{CheckIns: r.checkIns}
	if r.distanceCount > 0 {
		m.AvgDistanceM = r.distanceSum / float64(r.distanceCount)
	}
	m.GeofenceRate = rate(r.inGeofence, r.checkIns)
	m.OnTimeRate = rate(r.onTime, r.checkIns)
	return m
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func classify(r *Report) Status {
	if r.Outcomes.Total == 0 {
		return StatusNoData
	}
	switch {
	case r.OnTimeRate >= 0.95 && r.GeofenceComplianceRate >= 0.95:
		return StatusExcellent
	case r.OnTimeRate >= 0.80 && r.GeofenceComplianceRate >= 0.80:
		return StatusGood
	case r.OnTimeRate >= 0.50 && r.GeofenceComplianceRate >= 0.50:
		return StatusNeedsImprovement
	}
	return StatusConcerning
}
