package visit

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the full content of a MemoryStore, in insertion order.
type State struct {
	Waitlist        []WaitlistEntry       `json:"waitlist"`
	MedicineRecords []MedicineRecord      `json:"medicine_records"`
	ExamRecords     []ExamRecord          `json:"exam_records"`
	ServiceOrders   []ServiceOrder        `json:"service_orders"`
	Items           []ServiceOrderItem    `json:"service_order_items"`
	Results         []ServiceResult       `json:"service_results"`
	Diagnoses       []Diagnosis           `json:"diagnoses"`
	Prescriptions   []Prescription        `json:"prescriptions"`
	Invoices        []PrescriptionInvoice `json:"prescription_invoices"`
	MedicineDetails []MedicineDetail      `json:"medicine_details"`
	Runs            []SagaRun             `json:"saga_runs"`
}

func (s State) clone() State {
	runs := make([]SagaRun, len(s.Runs))
	for i, r := range s.Runs {
		runs[i] = cloneRun(r)
	}
	return State{
		Waitlist:        slices.Clone(s.Waitlist),
		MedicineRecords: slices.Clone(s.MedicineRecords),
		ExamRecords:     slices.Clone(s.ExamRecords),
		ServiceOrders:   slices.Clone(s.ServiceOrders),
		Items:           slices.Clone(s.Items),
		Results:         slices.Clone(s.Results),
		Diagnoses:       slices.Clone(s.Diagnoses),
		Prescriptions:   slices.Clone(s.Prescriptions),
		Invoices:        slices.Clone(s.Invoices),
		MedicineDetails: slices.Clone(s.MedicineDetails),
		Runs:            runs,
	}
}

func cloneRun(r SagaRun) SagaRun {
	r.Steps = slices.Clone(r.Steps)
	return r
}

// MemoryStore is a Repository held in process memory. It enforces the same
// foreign keys and uniqueness rules as the postgres schema. It is safe for
// concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	state   State
	now     func() time.Time
	onWrite func(State) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

// ExportState returns a deep copy of the store content.
func (m *MemoryStore) ExportState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// ImportState replaces the store content.
func (m *MemoryStore) ImportState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.clone()
}

// mutate applies fn under the write lock. When an onWrite hook is set and
// fails, the previous state is restored.
func (m *MemoryStore) mutate(fn func(s *State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev State
	if m.onWrite != nil {
		prev = m.state.clone()
	}
	if err := fn(&m.state); err != nil {
		return err
	}
	if m.onWrite != nil {
		if err := m.onWrite(m.state); err != nil {
			m.state = prev
			return err
		}
	}
	return nil
}

func find[T any](rows []T, match func(T) bool) (int, bool) {
	i := slices.IndexFunc(rows, match)
	return i, i >= 0
}

func missing(what string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

// -- Waitlist --

func (m *MemoryStore) CreateWaitlistEntry(_ context.Context, e *WaitlistEntry) error {
	return m.mutate(func(s *State) error {
		e.ID = uuid.New()
		e.CreatedAt = m.now()
		e.UpdatedAt = e.CreatedAt
		s.Waitlist = append(s.Waitlist, *e)
		return nil
	})
}

func (m *MemoryStore) GetWaitlistEntry(_ context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.Waitlist, func(e WaitlistEntry) bool { return e.ID == id })
	if !ok {
		return nil, missing("waitlist entry", id)
	}
	e := m.state.Waitlist[i]
	return &e, nil
}

func (m *MemoryStore) UpdateWaitlistState(_ context.Context, id uuid.UUID, status WaitlistStatus, visitType VisitType) error {
	return m.mutate(func(s *State) error {
		i, ok := find(s.Waitlist, func(e WaitlistEntry) bool { return e.ID == id })
		if !ok {
			return missing("waitlist entry", id)
		}
		s.Waitlist[i].Status = status
		s.Waitlist[i].VisitType = visitType
		s.Waitlist[i].UpdatedAt = m.now()
		return nil
	})
}

// -- Episode records --

func (m *MemoryStore) CreateMedicineRecord(_ context.Context, r *MedicineRecord) error {
	return m.mutate(func(s *State) error {
		r.ID = uuid.New()
		r.CreatedAt = m.now()
		s.MedicineRecords = append(s.MedicineRecords, *r)
		return nil
	})
}

func (m *MemoryStore) GetMedicineRecord(_ context.Context, id uuid.UUID) (*MedicineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.MedicineRecords, func(r MedicineRecord) bool { return r.ID == id })
	if !ok {
		return nil, missing("medicine record", id)
	}
	r := m.state.MedicineRecords[i]
	return &r, nil
}

func (m *MemoryStore) hasRecord(s *State, id uuid.UUID) bool {
	_, ok := find(s.MedicineRecords, func(r MedicineRecord) bool { return r.ID == id })
	return ok
}

func (m *MemoryStore) CreateExamRecord(_ context.Context, r *ExamRecord) error {
	return m.mutate(func(s *State) error {
		if !m.hasRecord(s, r.MedicineRecordID) {
			return missing("medicine record", r.MedicineRecordID)
		}
		r.ID = uuid.New()
		r.CreatedAt = m.now()
		s.ExamRecords = append(s.ExamRecords, *r)
		return nil
	})
}

func (m *MemoryStore) CreateServiceOrder(_ context.Context, o *ServiceOrder) error {
	return m.mutate(func(s *State) error {
		if !m.hasRecord(s, o.MedicineRecordID) {
			return missing("medicine record", o.MedicineRecordID)
		}
		o.ID = uuid.New()
		if o.OrderDate.IsZero() {
			o.OrderDate = m.now()
		}
		s.ServiceOrders = append(s.ServiceOrders, *o)
		return nil
	})
}

func (m *MemoryStore) GetServiceOrder(_ context.Context, id uuid.UUID) (*ServiceOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.ServiceOrders, func(o ServiceOrder) bool { return o.ID == id })
	if !ok {
		return nil, missing("service order", id)
	}
	o := m.state.ServiceOrders[i]
	return &o, nil
}

func (m *MemoryStore) CreateServiceOrderItem(_ context.Context, it *ServiceOrderItem) error {
	return m.mutate(func(s *State) error {
		if _, ok := find(s.ServiceOrders, func(o ServiceOrder) bool { return o.ID == it.ServiceOrderID }); !ok {
			return missing("service order", it.ServiceOrderID)
		}
		it.ID = uuid.New()
		s.Items = append(s.Items, *it)
		return nil
	})
}

func (m *MemoryStore) GetServiceOrderItem(_ context.Context, id uuid.UUID) (*ServiceOrderItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.Items, func(it ServiceOrderItem) bool { return it.ID == id })
	if !ok {
		return nil, missing("service order item", id)
	}
	it := m.state.Items[i]
	return &it, nil
}

func (m *MemoryStore) CreateServiceResult(_ context.Context, r *ServiceResult) error {
	return m.mutate(func(s *State) error {
		if _, ok := find(s.Items, func(it ServiceOrderItem) bool { return it.ID == r.ServiceOrderItemID }); !ok {
			return missing("service order item", r.ServiceOrderItemID)
		}
		if _, dup := find(s.Results, func(x ServiceResult) bool { return x.ServiceOrderItemID == r.ServiceOrderItemID }); dup {
			return conflictf("service order item %s already has a result", r.ServiceOrderItemID)
		}
		r.ID = uuid.New()
		r.CreatedAt = m.now()
		s.Results = append(s.Results, *r)
		return nil
	})
}

func (m *MemoryStore) ListResultsByItem(_ context.Context, itemID uuid.UUID) ([]*ServiceResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceResult
	for _, r := range m.state.Results {
		if r.ServiceOrderItemID == itemID {
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDiagnosis(_ context.Context, d *Diagnosis) error {
	return m.mutate(func(s *State) error {
		if !m.hasRecord(s, d.MedicineRecordID) {
			return missing("medicine record", d.MedicineRecordID)
		}
		if _, dup := find(s.Diagnoses, func(x Diagnosis) bool { return x.MedicineRecordID == d.MedicineRecordID }); dup {
			return conflictf("medicine record %s already has a diagnosis", d.MedicineRecordID)
		}
		d.ID = uuid.New()
		d.CreatedAt = m.now()
		s.Diagnoses = append(s.Diagnoses, *d)
		return nil
	})
}

func (m *MemoryStore) ListDiagnosesByRecord(_ context.Context, medicineRecordID uuid.UUID) ([]*Diagnosis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Diagnosis
	for _, d := range m.state.Diagnoses {
		if d.MedicineRecordID == medicineRecordID {
			out = append(out, &d)
		}
	}
	return out, nil
}

// -- Prescription chain --

func (m *MemoryStore) CreatePrescription(_ context.Context, p *Prescription) error {
	return m.mutate(func(s *State) error {
		if !m.hasRecord(s, p.MedicineRecordID) {
			return missing("medicine record", p.MedicineRecordID)
		}
		p.ID = uuid.New()
		p.CreatedAt = m.now()
		s.Prescriptions = append(s.Prescriptions, *p)
		return nil
	})
}

func (m *MemoryStore) CreatePrescriptionInvoice(_ context.Context, inv *PrescriptionInvoice) error {
	return m.mutate(func(s *State) error {
		if _, ok := find(s.Prescriptions, func(p Prescription) bool { return p.ID == inv.PrescriptionID }); !ok {
			return missing("prescription", inv.PrescriptionID)
		}
		inv.ID = uuid.New()
		inv.CreatedAt = m.now()
		s.Invoices = append(s.Invoices, *inv)
		return nil
	})
}

func (m *MemoryStore) CreateMedicineDetail(_ context.Context, d *MedicineDetail) error {
	return m.mutate(func(s *State) error {
		if _, ok := find(s.Invoices, func(inv PrescriptionInvoice) bool { return inv.ID == d.InvoiceID }); !ok {
			return missing("prescription invoice", d.InvoiceID)
		}
		d.ID = uuid.New()
		s.MedicineDetails = append(s.MedicineDetails, *d)
		return nil
	})
}

func (m *MemoryStore) ListMedicineDetails(_ context.Context, invoiceID uuid.UUID) ([]*MedicineDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MedicineDetail
	for _, d := range m.state.MedicineDetails {
		if d.InvoiceID == invoiceID {
			out = append(out, &d)
		}
	}
	return out, nil
}

// Snapshot returns the waitlist ordered by (estimated_time, created_at) and
// service orders ordered by order_date, ties kept in insertion order.
func (m *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := Collections{
		Waitlist:        slices.Clone(m.state.Waitlist),
		MedicineRecords: m.state.MedicineRecords,
		ServiceOrders:   slices.Clone(m.state.ServiceOrders),
		Items:           m.state.Items,
		Results:         m.state.Results,
		Diagnoses:       m.state.Diagnoses,
	}
	sortSnapshot(&c)
	return NewSnapshot(c), nil
}

// -- Saga journal --

func (m *MemoryStore) CreateRun(_ context.Context, r *SagaRun) error {
	return m.mutate(func(s *State) error {
		if r.IdempotencyKey != nil {
			if _, dup := find(s.Runs, func(x SagaRun) bool {
				return x.IdempotencyKey != nil && *x.IdempotencyKey == *r.IdempotencyKey
			}); dup {
				return conflictf("idempotency key %q already used", *r.IdempotencyKey)
			}
		}
		r.ID = uuid.New()
		if r.StartedAt.IsZero() {
			r.StartedAt = m.now()
		}
		s.Runs = append(s.Runs, cloneRun(*r))
		return nil
	})
}

func (m *MemoryStore) UpdateRun(_ context.Context, r *SagaRun) error {
	return m.mutate(func(s *State) error {
		i, ok := find(s.Runs, func(x SagaRun) bool { return x.ID == r.ID })
		if !ok {
			return missing("saga run", r.ID)
		}
		s.Runs[i] = cloneRun(*r)
		return nil
	})
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*SagaRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.Runs, func(x SagaRun) bool { return x.ID == id })
	if !ok {
		return nil, missing("saga run", id)
	}
	r := cloneRun(m.state.Runs[i])
	return &r, nil
}

func (m *MemoryStore) GetRunByKey(_ context.Context, key string) (*SagaRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := find(m.state.Runs, func(x SagaRun) bool { return x.IdempotencyKey != nil && *x.IdempotencyKey == key })
	if !ok {
		return nil, fmt.Errorf("saga run with key %q: %w", key, ErrNotFound)
	}
	r := cloneRun(m.state.Runs[i])
	return &r, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (m *MemoryStore) ListRuns(_ context.Context, status RunStatus, limit, offset int) ([]*SagaRun, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*SagaRun
	for i := len(m.state.Runs) - 1; i >= 0; i-- {
		r := m.state.Runs[i]
		if status != "" && r.Status != status {
			continue
		}
		c := cloneRun(r)
		matched = append(matched, &c)
	}
	total := len(matched)
	start := min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	return matched[start:end], total, nil
}

func sortSnapshot(c *Collections) {
	sort.SliceStable(c.Waitlist, func(i, j int) bool {
		a, b := c.Waitlist[i], c.Waitlist[j]
		if !a.EstimatedTime.Equal(b.EstimatedTime) {
			return a.EstimatedTime.Before(b.EstimatedTime)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	sort.SliceStable(c.ServiceOrders, func(i, j int) bool {
		return c.ServiceOrders[i].OrderDate.Before(c.ServiceOrders[j].OrderDate)
	})
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
