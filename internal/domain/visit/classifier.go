package visit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Stage is one of the five mutually exclusive workflow positions of a visit.
type Stage string

const (
	StageAwaitingExamination       Stage = "awaiting-examination"
	StageAwaitingServiceAssignment Stage = "awaiting-service-assignment"
	StageServicesInProgress        Stage = "services-in-progress"
	StageAwaitingDiagnosis         Stage = "awaiting-diagnosis"
	StageTreatmentComplete         Stage = "treatment-complete"
)

// Stages lists every stage in workflow order.
var Stages = []Stage{
	StageAwaitingExamination,
	StageAwaitingServiceAssignment,
	StageServicesInProgress,
	StageAwaitingDiagnosis,
	StageTreatmentComplete,
}

// Ordinal returns 1..5 for a known stage and 0 otherwise.
func (s Stage) Ordinal() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if st.Ordinal() == 0 {
		return "", invalid("stage", fmt.Sprintf("unknown stage %q", s))
	}
	return st, nil
}

// TieBreak decides which order represents the episode when a patient has
// more than one candidate order.
type TieBreak string

const (
	// TieBreakFirst picks the first candidate in snapshot order.
	TieBreakFirst TieBreak = "first"
	// TieBreakLatest picks the candidate with the latest order date.
	TieBreakLatest TieBreak = "latest"
	// TieBreakUnique refuses to choose and returns ErrAmbiguousEpisode.
	TieBreakUnique TieBreak = "unique"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch tb := TieBreak(strings.ToLower(strings.TrimSpace(s))); tb {
	case "":
		return TieBreakFirst, nil
	case TieBreakFirst, TieBreakLatest, TieBreakUnique:
		return tb, nil
	}
	return "", invalid("tie_break", fmt.Sprintf("unknown tie-break %q", s))
}

// Selector names the episode to classify. OrderID pins it outright;
// otherwise candidates are the orders of DoctorID (any doctor when zero)
// whose medicine record belongs to the entry's visit, resolved by TieBreak.
type Selector struct {
	DoctorID uuid.UUID
	OrderID  uuid.UUID
	TieBreak TieBreak
}

// Classification is the derived workflow position of one waitlist entry.
type Classification struct {
	WaitlistID uuid.UUID  `json:"waitlist_id"`
	Stage      Stage      `json:"stage"`
	OrderID    *uuid.UUID `json:"order_id,omitempty"`
	// Diagnosed is set for an S4 entry whose episode already has a
	// diagnosis but which has not been completed yet.
	Diagnosed bool `json:"diagnosed"`
}

// AwaitingDiagnosis reports whether c satisfies the strict S4 rule.
func (c Classification) AwaitingDiagnosis() bool {
	return c.Stage == StageAwaitingDiagnosis && !c.Diagnosed
}

// PendingCompletion reports whether c is diagnosed but not yet completed.
func (c Classification) PendingCompletion() bool {
	return c.Stage == StageAwaitingDiagnosis && c.Diagnosed
}

// AllResultsReady reports whether the order has at least one item and every
// item carries a result with a non-blank description.
func AllResultsReady(s *Snapshot, orderID uuid.UUID) bool {
	items := s.items[orderID]
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !hasResult(s, it.ID) {
			return false
		}
	}
	return true
}

func hasResult(s *Snapshot, itemID uuid.UUID) bool {
	for _, r := range s.results[itemID] {
		if strings.TrimSpace(r.ResultDescription) != "" {
			return true
		}
	}
	return false
}

// HasDiagnosis reports whether the order's medicine record has a diagnosis.
func HasDiagnosis(s *Snapshot, orderID uuid.UUID) bool {
	o, ok := s.Order(orderID)
	if !ok {
		return false
	}
	return s.diagnoses[o.MedicineRecordID] > 0
}

// SelectOrder returns the order representing the entry's episode, or nil
// when the visit has none yet. Only orders whose medicine record was opened
// between the entry's check-in and the patient's next check-in are
// candidates, so a returning patient's earlier visits never match.
func SelectOrder(s *Snapshot, entry *WaitlistEntry, sel Selector) (*ServiceOrder, error) {
	if s == nil || entry == nil {
		return nil, errNilInput
	}
	ep := s.episodeOf(entry)

	if sel.OrderID != uuid.Nil {
		o, ok := s.Order(sel.OrderID)
		if !ok {
			return nil, fmt.Errorf("service order %s: %w", sel.OrderID, ErrNotFound)
		}
		if pid, ok := s.patientOf(*o); !ok || pid != entry.PatientID {
			return nil, invalid("order_id", fmt.Sprintf("service order %s does not belong to patient %s", o.ID, entry.PatientID))
		}
		if !s.owns(ep, *o) {
			return nil, invalid("order_id", fmt.Sprintf("service order %s belongs to another visit of patient %s", o.ID, entry.PatientID))
		}
		return o, nil
	}

	var found *ServiceOrder
	candidates := 0
	for i := range s.orders {
		o := s.orders[i]
		if sel.DoctorID != uuid.Nil && o.DoctorID != sel.DoctorID {
			continue
		}
		if !s.owns(ep, o) {
			continue
		}
		candidates++
		switch sel.TieBreak {
		case TieBreakLatest:
			if found == nil || !o.OrderDate.Before(found.OrderDate) {
				found = &o
			}
		default:
			if found == nil {
				found = &o
			}
		}
	}
	if candidates > 1 && sel.TieBreak == TieBreakUnique {
		return nil, fmt.Errorf("waitlist entry %s: %w", entry.ID, ErrAmbiguousEpisode)
	}
	return found, nil
}

// Classify maps a waitlist entry to its workflow stage using the records in
// s. It never modifies its arguments and returns the same answer for the same
// inputs. An entry whose (status, visit_type) matches no stage yields an
// *InconsistentSnapshot error.
func Classify(entry *WaitlistEntry, s *Snapshot, sel Selector) (Classification, error) {
	if entry == nil || s == nil {
		return Classification{}, errNilInput
	}
	c := Classification{WaitlistID: entry.ID}

	switch {
	case entry.Status == StatusWaiting && entry.VisitType == VisitInitial:
		c.Stage = StageAwaitingExamination
		return c, nil
	case entry.Status == StatusInProgress && entry.VisitType == VisitInitial:
		c.Stage = StageAwaitingServiceAssignment
		return c, nil
	case entry.Status == StatusComplete && entry.VisitType == VisitResult:
		c.Stage = StageTreatmentComplete
		return c, nil
	case entry.Status == StatusWaiting && entry.VisitType == VisitResult:
	default:
		return c, &InconsistentSnapshot{WaitlistID: entry.ID, Status: entry.Status, VisitType: entry.VisitType}
	}

	order, err := SelectOrder(s, entry, sel)
	if err != nil {
		return c, err
	}
	if order == nil || !AllResultsReady(s, order.ID) {
		c.Stage = StageServicesInProgress
		if order != nil {
			c.OrderID = uuidPtr(order.ID)
		}
		return c, nil
	}
	c.Stage = StageAwaitingDiagnosis
	c.OrderID = uuidPtr(order.ID)
	c.Diagnosed = HasDiagnosis(s, order.ID)
	return c, nil
}
