package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

type occurrenceKey struct {
	exchangeID uuid.UUID
	scheduled  int64
}

// InMemoryStore implements Store with map-backed state. Used for tests and
// single-node development; production uses PostgresStore.
type InMemoryStore struct {
	mu         sync.RWMutex
	exchanges  map[uuid.UUID]*models.Exchange
	instances  map[uuid.UUID]*models.Instance
	occurrence map[occurrenceKey]uuid.UUID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		exchanges:  make(map[uuid.UUID]*models.Exchange),
		instances:  make(map[uuid.UUID]*models.Instance),
		occurrence: make(map[occurrenceKey]uuid.UUID),
	}
}

func (s *InMemoryStore) CreateExchange(ctx context.Context, ex *models.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.exchanges[ex.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "exchange already exists")
	}
	s.exchanges[ex.ID] = cloneExchange(ex)
	return nil
}

func (s *InMemoryStore) GetExchange(ctx context.Context, id uuid.UUID) (*models.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.exchanges[id]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "exchange not found")
	}
	return cloneExchange(ex), nil
}

func (s *InMemoryStore) UpdateExchange(ctx context.Context, ex *models.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exchanges[ex.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "exchange not found")
	}
	s.exchanges[ex.ID] = cloneExchange(ex)
	return nil
}

func (s *InMemoryStore) SetExchangeStatus(ctx context.Context, id uuid.UUID, status models.ExchangeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[id]
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "exchange not found")
	}
	ex.Status = status
	ex.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListActiveRecurring(ctx context.Context) ([]*models.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Exchange
	for _, ex := range s.exchanges {
		if ex.Status == models.ExchangeActive && ex.Recurrence != nil {
			out = append(out, cloneExchange(ex))
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := occurrenceKey{exchangeID: inst.ExchangeID, scheduled: inst.ScheduledAt.Unix()}
	if existingID, ok := s.occurrence[key]; ok {
		return cloneInstance(s.instances[existingID]), nil
	}
	s.instances[inst.ID] = cloneInstance(inst)
	s.occurrence[key] = inst.ID
	return cloneInstance(inst), nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	return cloneInstance(inst), nil
}

func (s *InMemoryStore) SetSlotIfWritable(ctx context.Context, id uuid.UUID, slot models.ParentSlot, w SlotWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	if inst.AutoClosed || inst.Status != models.InstanceActive || inst.QRConfirmedAt != nil {
		return false, nil
	}
	target := inst.Slot(slot)
	if target == nil {
		return false, dErrors.New(dErrors.CodeInvalidInput, "unknown parent slot")
	}
	at := w.At
	*target = models.CheckInSlot{
		CheckedIn:     true,
		CheckedInAt:   &at,
		Lat:           copyFloat(w.Lat),
		Lng:           copyFloat(w.Lng),
		AccuracyM:     copyFloat(w.AccuracyM),
		DistanceM:     copyFloat(w.DistanceM),
		InGeofence:    copyBool(w.InGeofence),
		LowConfidence: w.LowConfidence,
		Manual:        w.Manual,
		Device:        w.Device,
	}
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) SetQRConfirmed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	if inst.AutoClosed || inst.Status != models.InstanceActive || inst.QRConfirmedAt != nil {
		return false, nil
	}
	inst.QRConfirmedAt = &at
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) SaveOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, qrMissing bool, autoClose bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	if inst.AutoClosed || inst.Status != models.InstanceActive {
		return false, nil
	}
	inst.Outcome = outcome
	inst.QRMissing = qrMissing
	if autoClose {
		inst.AutoClosed = true
	}
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) SetDispute(ctx context.Context, id uuid.UUID, by models.ParentSlot, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	if !inst.Outcome.Terminal() {
		return false, nil
	}
	inst.IsDisputed = true
	inst.DisputeNotes = notes
	disputedBy := by
	inst.DisputedBy = &disputedBy
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) CancelInstance(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, dErrors.New(dErrors.CodeNotFound, "instance not found")
	}
	if inst.AutoClosed || inst.Status != models.InstanceActive {
		return false, nil
	}
	inst.Status = models.InstanceCancelled
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) ListDueForClose(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.Instance
	for _, inst := range s.instances {
		if !inst.AutoClosed && inst.Status == models.InstanceActive && now.After(inst.WindowEnd) {
			due = append(due, cloneInstance(inst))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].WindowEnd.Before(due[j].WindowEnd) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListInstancesInRange(ctx context.Context, caseID uuid.UUID, from, to time.Time) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Instance
	for _, inst := range s.instances {
		if inst.CaseID != caseID {
			continue
		}
		if inst.ScheduledAt.Before(from) || inst.ScheduledAt.After(to) {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func cloneExchange(ex *models.Exchange) *models.Exchange {
	cp := *ex
	cp.ChildIDs = append([]uuid.UUID(nil), ex.ChildIDs...)
	if ex.ScheduledAt != nil {
		t := *ex.ScheduledAt
		cp.ScheduledAt = &t
	}
	if ex.Recurrence != nil {
		r := *ex.Recurrence
		r.Weekdays = append([]time.Weekday(nil), ex.Recurrence.Weekdays...)
		if ex.Recurrence.Until != nil {
			u := *ex.Recurrence.Until
			r.Until = &u
		}
		cp.Recurrence = &r
	}
	return &cp
}

func cloneInstance(inst *models.Instance) *models.Instance {
	cp := *inst
	cp.FromSlot = cloneSlot(inst.FromSlot)
	cp.ToSlot = cloneSlot(inst.ToSlot)
	if inst.QRConfirmedAt != nil {
		t := *inst.QRConfirmedAt
		cp.QRConfirmedAt = &t
	}
	if inst.DisputedBy != nil {
		b := *inst.DisputedBy
		cp.DisputedBy = &b
	}
	return &cp
}

func cloneSlot(slot models.CheckInSlot) models.CheckInSlot {
	cp := slot
	cp.CheckedInAt = copyTime(slot.CheckedInAt)
	cp.Lat = copyFloat(slot.Lat)
	cp.Lng = copyFloat(slot.Lng)
	cp.AccuracyM = copyFloat(slot.AccuracyM)
	cp.DistanceM = copyFloat(slot.DistanceM)
	cp.InGeofence = copyBool(slot.InGeofence)
	return cp
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
