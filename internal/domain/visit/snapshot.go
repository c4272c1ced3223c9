package visit

import (
	"time"

	"github.com/google/uuid"
)

// Collections is the raw content of every collection the classifier reads.
// Slice order is the snapshot order used for tie-breaks.
type Collections struct {
	Waitlist        []WaitlistEntry
	MedicineRecords []MedicineRecord
	ServiceOrders   []ServiceOrder
	Items           []ServiceOrderItem
	Results         []ServiceResult
	Diagnoses       []Diagnosis
}

// Snapshot is a read-only, point-in-time view of the workflow collections.
// It owns copies of the records it was built from and is safe to share
// between goroutines.
type Snapshot struct {
	takenAt time.Time

	waitlist  []WaitlistEntry
	orders    []ServiceOrder
	records   map[uuid.UUID]MedicineRecord
	items     map[uuid.UUID][]ServiceOrderItem
	results   map[uuid.UUID][]ServiceResult
	diagnoses map[uuid.UUID]int
}

// NewSnapshot indexes a copy of c.
func NewSnapshot(c Collections) *Snapshot {
	s := &Snapshot{
		takenAt:   time.Now().UTC(),
		waitlist:  append([]WaitlistEntry(nil), c.Waitlist...),
		orders:    append([]ServiceOrder(nil), c.ServiceOrders...),
		records:   make(map[uuid.UUID]MedicineRecord, len(c.MedicineRecords)),
		items:     make(map[uuid.UUID][]ServiceOrderItem),
		results:   make(map[uuid.UUID][]ServiceResult),
		diagnoses: make(map[uuid.UUID]int),
	}
	for _, r := range c.MedicineRecords {
		s.records[r.ID] = r
	}
	for _, it := range c.Items {
		s.items[it.ServiceOrderID] = append(s.items[it.ServiceOrderID], it)
	}
	for _, res := range c.Results {
		s.results[res.ServiceOrderItemID] = append(s.results[res.ServiceOrderItemID], res)
	}
	for _, d := range c.Diagnoses {
		s.diagnoses[d.MedicineRecordID]++
	}
	return s
}

// TakenAt is the time the snapshot was built.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of waitlist entries.
func (s *Snapshot) Len() int { return len(s.waitlist) }

func (s *Snapshot) entry(i int) *WaitlistEntry {
	e := s.waitlist[i]
	return &e
}

// WaitlistEntry looks up an entry by id.
func (s *Snapshot) WaitlistEntry(id uuid.UUID) (*WaitlistEntry, bool) {
	for i := range s.waitlist {
		if s.waitlist[i].ID == id {
			return s.entry(i), true
		}
	}
	return nil, false
}

// Order looks up a service order by id.
func (s *Snapshot) Order(id uuid.UUID) (*ServiceOrder, bool) {
	for i := range s.orders {
		if s.orders[i].ID == id {
			o := s.orders[i]
			return &o, true
		}
	}
	return nil, false
}

// Items returns the items of an order in snapshot order.
func (s *Snapshot) Items(orderID uuid.UUID) []ServiceOrderItem {
	return append([]ServiceOrderItem(nil), s.items[orderID]...)
}

func (s *Snapshot) patientOf(o ServiceOrder) (uuid.UUID, bool) {
	r, ok := s.records[o.MedicineRecordID]
	if !ok {
		return uuid.Nil, false
	}
	return r.PatientID, true
}

// episode is the window of one check-in: records created from the entry's
// check-in up to the same patient's next check-in belong to its visit.
// A zero bound is open.
type episode struct {
	patientID uuid.UUID
	from      time.Time
	until     time.Time
}

func (s *Snapshot) episodeOf(e *WaitlistEntry) episode {
	ep := episode{patientID: e.PatientID, from: e.CreatedAt}
	if e.CreatedAt.IsZero() {
		return ep
	}
	for _, w := range s.waitlist {
		if w.ID == e.ID || w.PatientID != e.PatientID || !w.CreatedAt.After(e.CreatedAt) {
			continue
		}
		if ep.until.IsZero() || w.CreatedAt.Before(ep.until) {
			ep.until = w.CreatedAt
		}
	}
	return ep
}

// owns reports whether o's medicine record falls inside the episode.
func (s *Snapshot) owns(ep episode, o ServiceOrder) bool {
	r, ok := s.records[o.MedicineRecordID]
	if !ok || r.PatientID != ep.patientID {
		return false
	}
	if !ep.from.IsZero() && r.CreatedAt.Before(ep.from) {
		return false
	}
	return ep.until.IsZero() || r.CreatedAt.Before(ep.until)
}
