package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

// PostgresStore persists exchanges and instances in PostgreSQL. All
// conditional writes are single atomic statements so concurrent check-ins,
// the QR confirm path, and multiple sweep workers cannot interleave.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const exchangeColumns = `
	id, case_id, from_parent_id, to_parent_id, child_ids,
	address, formatted_address, lat, lng, geofence_radius_m, geocode_accuracy,
	scheduled_at, recurrence, before_window_secs, after_window_secs, status,
	silent_handoff_enabled, qr_confirmation_required, created_at, updated_at`

func (s *PostgresStore) CreateExchange(ctx context.Context, ex *models.Exchange) error {
	childIDs, err := json.Marshal(ex.ChildIDs)
	if err != nil {
		return fmt.Errorf("marshal child ids: %w", err)
	}
	var recurrence []byte
	if ex.Recurrence != nil {
		recurrence, err = json.Marshal(ex.Recurrence)
		if err != nil {
			return fmt.Errorf("marshal recurrence: %w", err)
		}
	}
	query := `
		INSERT INTO exchanges (` + exchangeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.db.ExecContext(ctx, query,
		ex.ID, ex.CaseID, ex.FromParentID, ex.ToParentID, childIDs,
		ex.Location.Address, ex.Location.FormattedAddress, ex.Location.Lat, ex.Location.Lng,
		ex.Location.GeofenceRadiusM, string(ex.Location.GeocodeAccuracy),
		ex.ScheduledAt, nullBytes(recurrence),
		int64(ex.BeforeWindow.Seconds()), int64(ex.AfterWindow.Seconds()), string(ex.Status),
		ex.SilentHandoffEnabled, ex.QRConfirmationRequired, ex.CreatedAt, ex.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create exchange: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExchange(ctx context.Context, id uuid.UUID) (*models.Exchange, error) {
	query := `SELECT ` + exchangeColumns + ` FROM exchanges WHERE id = $1`
	ex, err := scanExchange(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dErrors.New(dErrors.CodeNotFound, "exchange not found")
		}
		return nil, fmt.Errorf("get exchange: %w", err)
	}
	return ex, nil
}

func (s *PostgresStore) UpdateExchange(ctx context.Context, ex *models.Exchange) error {
	childIDs, err := json.Marshal(ex.ChildIDs)
	if err != nil {
		return fmt.Errorf("marshal child ids: %w", err)
	}
	var recurrence []byte
	if ex.Recurrence != nil {
		recurrence, err = json.Marshal(ex.Recurrence)
		if err != nil {
			return fmt.Errorf("marshal recurrence: %w", err)
		}
	}
	query := `
		UPDATE exchanges SET
			child_ids = $2, address = $3, formatted_address = $4, lat = $5, lng = $6,
			geofence_radius_m = $7, geocode_accuracy = $8, scheduled_at = $9, recurrence = $10,
			before_window_secs = $11, after_window_secs = $12, status = $13,
			silent_handoff_enabled = $14, qr_confirmation_required = $15, updated_at = $16
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		ex.ID, childIDs, ex.Location.Address, ex.Location.FormattedAddress,
		ex.Location.Lat, ex.Location.Lng, ex.Location.GeofenceRadiusM, string(ex.Location.GeocodeAccuracy),
		ex.ScheduledAt, nullBytes(recurrence),
		int64(ex.BeforeWindow.Seconds()), int64(ex.AfterWindow.Seconds()), string(ex.Status),
		ex.SilentHandoffEnabled, ex.QRConfirmationRequired, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dErrors.New(dErrors.CodeNotFound, "exchange not found")
	}
	return nil
}

func (s *PostgresStore) SetExchangeStatus(ctx context.Context, id uuid.UUID, status models.ExchangeStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exchanges SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("set exchange status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dErrors.New(dErrors.CodeNotFound, "exchange not found")
	}
	return nil
}

func (s *PostgresStore) ListActiveRecurring(ctx context.Context) ([]*models.Exchange, error) {
	query := `SELECT ` + exchangeColumns + ` FROM exchanges WHERE status = 'active' AND recurrence IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recurring exchanges: %w", err)
	}
	defer rows.Close()

	var out []*models.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

const instanceColumns = `
	id, exchange_id, case_id, scheduled_at, window_start, window_end,
	from_checked_in, from_checked_in_at, from_lat, from_lng, from_accuracy_m,
	from_distance_m, from_in_geofence, from_low_confidence, from_manual, from_device,
	to_checked_in, to_checked_in_at, to_lat, to_lng, to_accuracy_m,
	to_distance_m, to_in_geofence, to_low_confidence, to_manual, to_device,
	qr_confirmed_at, handoff_outcome, qr_missing, auto_closed, status,
	is_disputed, dispute_notes, disputed_by, created_at, updated_at`

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	query := `
		INSERT INTO exchange_instances
			(id, exchange_id, case_id, scheduled_at, window_start, window_end,
			 handoff_outcome, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange_id, scheduled_at) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.ExchangeID, inst.CaseID, inst.ScheduledAt,
		inst.WindowStart, inst.WindowEnd,
		string(inst.Outcome), string(inst.Status), inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	// Return the canonical row, whether this insert or an earlier one won.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM exchange_instances WHERE exchange_id = $1 AND scheduled_at = $2`,
		inst.ExchangeID, inst.ScheduledAt)
	got, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("load created instance: %w", err)
	}
	return got, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM exchange_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dErrors.New(dErrors.CodeNotFound, "instance not found")
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) SetSlotIfWritable(ctx context.Context, id uuid.UUID, slot models.ParentSlot, w SlotWrite) (bool, error) {
	prefix, err := slotPrefix(slot)
	if err != nil {
		return false, err
	}
	// prefix is a vetted identifier, not caller input.
	query := fmt.Sprintf(`
		UPDATE exchange_instances SET
			%[1]s_checked_in = TRUE,
			%[1]s_checked_in_at = $2,
			%[1]s_lat = $3,
			%[1]s_lng = $4,
			%[1]s_accuracy_m = $5,
			%[1]s_distance_m = $6,
			%[1]s_in_geofence = $7,
			%[1]s_low_confidence = $8,
			%[1]s_manual = $9,
			%[1]s_device = $10,
			updated_at = NOW()
		WHERE id = $1
		  AND NOT auto_closed
		  AND status = 'active'
		  AND qr_confirmed_at IS NULL
	`, prefix)
	res, err := s.db.ExecContext(ctx, query, id,
		w.At, w.Lat, w.Lng, w.AccuracyM, w.DistanceM, w.InGeofence,
		w.LowConfidence, w.Manual, w.Device)
	if err != nil {
		return false, fmt.Errorf("set slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set slot rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SetQRConfirmed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exchange_instances
		SET qr_confirmed_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND qr_confirmed_at IS NULL
		  AND NOT auto_closed
		  AND status = 'active'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("set qr confirmed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set qr confirmed rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, qrMissing bool, autoClose bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exchange_instances
		SET handoff_outcome = $2,
		    qr_missing = $3,
		    auto_closed = auto_closed OR $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT auto_closed
		  AND status = 'active'
	`, id, string(outcome), qrMissing, autoClose)
	if err != nil {
		return false, fmt.Errorf("save outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save outcome rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SetDispute(ctx context.Context, id uuid.UUID, by models.ParentSlot, notes string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exchange_instances
		SET is_disputed = TRUE, dispute_notes = $3, disputed_by = $2, updated_at = NOW()
		WHERE id = $1
		  AND handoff_outcome IN ('completed', 'one_party_present', 'missed')
	`, id, string(by), notes)
	if err != nil {
		return false, fmt.Errorf("set dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set dispute rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CancelInstance(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exchange_instances
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1
		  AND NOT auto_closed
		  AND status = 'active'
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel instance rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListDueForClose(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM exchange_instances
		WHERE window_end < $1
		  AND NOT auto_closed
		  AND status = 'active'
		ORDER BY window_end
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due for close: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListInstancesInRange(ctx context.Context, caseID uuid.UUID, from, to time.Time) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM exchange_instances
		WHERE case_id = $1
		  AND scheduled_at >= $2
		  AND scheduled_at <= $3
		ORDER BY scheduled_at
	`, caseID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list instances in range: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func slotPrefix(slot models.ParentSlot) (string, error) {
	switch slot {
	case models.SlotFromParent:
		return "from", nil
	case models.SlotToParent:
		return "to", nil
	}
	return "", dErrors.New(dErrors.CodeInvalidInput, "unknown parent slot")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (*models.Exchange, error) {
	var (
		ex              models.Exchange
		childIDs        []byte
		recurrence      []byte
		scheduledAt     sql.NullTime
		beforeSecs      int64
		afterSecs       int64
		status          string
		geocodeAccuracy string
	)
	err := row.Scan(
		&ex.ID, &ex.CaseID, &ex.FromParentID, &ex.ToParentID, &childIDs,
		&ex.Location.Address, &ex.Location.FormattedAddress, &ex.Location.Lat, &ex.Location.Lng,
		&ex.Location.GeofenceRadiusM, &geocodeAccuracy,
		&scheduledAt, &recurrence, &beforeSecs, &afterSecs, &status,
		&ex.SilentHandoffEnabled, &ex.QRConfirmationRequired, &ex.CreatedAt, &ex.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(childIDs, &ex.ChildIDs); err != nil {
		return nil, fmt.Errorf("unmarshal child ids: %w", err)
	}
	if len(recurrence) > 0 {
		var r models.Recurrence
		if err := json.Unmarshal(recurrence, &r); err != nil {
			return nil, fmt.Errorf("unmarshal recurrence: %w", err)
		}
		ex.Recurrence = &r
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		ex.ScheduledAt = &t
	}
	ex.Location.GeocodeAccuracy = models.GeocodeAccuracy(geocodeAccuracy)
	ex.BeforeWindow = time.Duration(beforeSecs) * time.Second
	ex.AfterWindow = time.Duration(afterSecs) * time.Second
	ex.Status = models.ExchangeStatus(status)
	return &ex, nil
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		inst          models.Instance
		from          slotScan
		to            slotScan
		qrConfirmedAt sql.NullTime
		outcome       string
		status        string
		disputedBy    sql.NullString
	)
	err := row.Scan(
		&inst.ID, &inst.ExchangeID, &inst.CaseID, &inst.ScheduledAt, &inst.WindowStart, &inst.WindowEnd,
		&from.checkedIn, &from.checkedInAt, &from.lat, &from.lng, &from.accuracyM,
		&from.distanceM, &from.inGeofence, &from.lowConfidence, &from.manual, &from.device,
		&to.checkedIn, &to.checkedInAt, &to.lat, &to.lng, &to.accuracyM,
		&to.distanceM, &to.inGeofence, &to.lowConfidence, &to.manual, &to.device,
		&qrConfirmedAt, &outcome, &inst.QRMissing, &inst.AutoClosed, &status,
		&inst.IsDisputed, &inst.DisputeNotes, &disputedBy, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.FromSlot = from.toModel()
	inst.ToSlot = to.toModel()
	if qrConfirmedAt.Valid {
		t := qrConfirmedAt.Time
		inst.QRConfirmedAt = &t
	}
	inst.Outcome = models.Outcome(outcome)
	inst.Status = models.InstanceStatus(status)
	if disputedBy.Valid {
		by := models.ParentSlot(disputedBy.String)
		inst.DisputedBy = &by
	}
	return &inst, nil
}

type slotScan struct {
	checkedIn     bool
	checkedInAt   sql.NullTime
	lat           sql.NullFloat64
	lng           sql.NullFloat64
	accuracyM     sql.NullFloat64
	distanceM     sql.NullFloat64
	inGeofence    sql.NullBool
	lowConfidence bool
	manual        bool
	device        string
}

func (s slotScan) toModel() models.CheckInSlot {
	slot := models.CheckInSlot{
		CheckedIn:     s.checkedIn,
		LowConfidence: s.lowConfidence,
		Manual:        s.manual,
		Device:        s.device,
	}
	if s.checkedInAt.Valid {
		t := s.checkedInAt.Time
		slot.CheckedInAt = &t
	}
	if s.lat.Valid {
		v := s.lat.Float64
		slot.Lat = &v
	}
	if s.lng.Valid {
		v := s.lng.Float64
		slot.Lng = &v
	}
	if s.accuracyM.Valid {
		v := s.accuracyM.Float64
		slot.AccuracyM = &v
	}
	if s.distanceM.Valid {
		v := s.distanceM.Float64
		slot.DistanceM = &v
	}
	if s.inGeofence.Valid {
		v := s.inGeofence.Bool
		slot.InGeofence = &v
	}
	return slot
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
