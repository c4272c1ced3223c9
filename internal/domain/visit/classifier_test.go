package visit

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fixture builds snapshot collections by hand.
type fixture struct {
	c Collections
}

func (f *fixture) entry(patientID uuid.UUID, status WaitlistStatus, vt VisitType) *WaitlistEntry {
	return f.entryAt(patientID, status, vt, t0)
}

func (f *fixture) entryAt(patientID uuid.UUID, status WaitlistStatus, vt VisitType, checkedIn time.Time) *WaitlistEntry {
	e := WaitlistEntry{
		ID:            uuid.New(),
		PatientID:     patientID,
		EstimatedTime: t0.Add(time.Duration(len(f.c.Waitlist)) * time.Minute),
		Status:        status,
		VisitType:     vt,
		CreatedAt:     checkedIn,
	}
	f.c.Waitlist = append(f.c.Waitlist, e)
	return &e
}

func (f *fixture) order(patientID, doctorID uuid.UUID, at time.Time) ServiceOrder {
	rec := MedicineRecord{ID: uuid.New(), PatientID: patientID, CreatedAt: at}
	f.c.MedicineRecords = append(f.c.MedicineRecords, rec)
	o := ServiceOrder{ID: uuid.New(), DoctorID: doctorID, OrderDate: at, MedicineRecordID: rec.ID}
	f.c.ServiceOrders = append(f.c.ServiceOrders, o)
	return o
}

func (f *fixture) item(o ServiceOrder) ServiceOrderItem {
	it := ServiceOrderItem{ID: uuid.New(), ServiceOrderID: o.ID, ServiceID: uuid.New(), DoctorID: uuid.New()}
	f.c.Items = append(f.c.Items, it)
	return it
}

func (f *fixture) result(it ServiceOrderItem, desc string) {
	f.c.Results = append(f.c.Results, ServiceResult{ID: uuid.New(), ServiceOrderItemID: it.ID, ResultDescription: desc})
}

func (f *fixture) diagnose(o ServiceOrder) {
	f.c.Diagnoses = append(f.c.Diagnoses, Diagnosis{
		ID: uuid.New(), MedicineRecordID: o.MedicineRecordID, DoctorID: o.DoctorID,
		Disease: "bronchitis", TreatmentPlan: "rest", Conclusion: "mild",
	})
}

func (f *fixture) snap() *Snapshot { return NewSnapshot(f.c) }

func mustClassify(t *testing.T, e *WaitlistEntry, s *Snapshot, sel Selector) Classification {
	t.Helper()
	c, err := Classify(e, s, sel)
	if err != nil {
		t.Fatalf("Classify: unexpected error: %v", err)
	}
	return c
}

func TestClassify_StatusPairs(t *testing.T) {
	tests := []struct {
		name   string
		status WaitlistStatus
		vt     VisitType
		want   Stage
	}{
		{"waiting initial", StatusWaiting, VisitInitial, StageAwaitingExamination},
		{"in progress initial", StatusInProgress, VisitInitial, StageAwaitingServiceAssignment},
		{"waiting result without order", StatusWaiting, VisitResult, StageServicesInProgress},
		{"complete result", StatusComplete, VisitResult, StageTreatmentComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f fixture
			e := f.entry(uuid.New(), tt.status, tt.vt)
			c := mustClassify(t, e, f.snap(), Selector{})
			if c.Stage != tt.want {
				t.Errorf("got %s, want %s", c.Stage, tt.want)
			}
			if c.WaitlistID != e.ID {
				t.Errorf("classification carries waitlist %s, want %s", c.WaitlistID, e.ID)
			}
		})
	}
}

func TestClassify_InconsistentPairs(t *testing.T) {
	tests := []struct {
		status WaitlistStatus
		vt     VisitType
	}{
		{StatusInProgress, VisitResult},
		{StatusComplete, VisitInitial},
		{"cancelled", VisitInitial},
		{StatusWaiting, "walk_in"},
	}
	for _, tt := range tests {
		var f fixture
		e := f.entry(uuid.New(), tt.status, tt.vt)
		_, err := Classify(e, f.snap(), Selector{})
		var ie *InconsistentSnapshot
		if !errors.As(err, &ie) {
			t.Errorf("(%s, %s): expected *InconsistentSnapshot, got %v", tt.status, tt.vt, err)
			continue
		}
		if ie.WaitlistID != e.ID || ie.Status != tt.status || ie.VisitType != tt.vt {
			t.Errorf("unexpected error payload %+v", ie)
		}
	}
}

func TestClassify_ResultsGateDiagnosis(t *testing.T) {
	patient := uuid.New()

	t.Run("order without items stays in progress", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		o := f.order(patient, uuid.New(), t0)
		c := mustClassify(t, e, f.snap(), Selector{})
		if c.Stage != StageServicesInProgress {
			t.Fatalf("got %s, want S3", c.Stage)
		}
		if c.OrderID == nil || *c.OrderID != o.ID {
			t.Errorf("expected order %s on classification", o.ID)
		}
	})

	t.Run("one blank result out of three keeps S3", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		o := f.order(patient, uuid.New(), t0)
		a, b, c := f.item(o), f.item(o), f.item(o)
		f.result(a, "normal chest x-ray")
		f.result(b, "hemoglobin 13.5")
		f.result(c, "")
		if got := mustClassify(t, e, f.snap(), Selector{}); got.Stage != StageServicesInProgress {
			t.Fatalf("got %s, want S3", got.Stage)
		}
	})

	t.Run("whitespace result is blank", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		o := f.order(patient, uuid.New(), t0)
		f.result(f.item(o), "  \t ")
		if got := mustClassify(t, e, f.snap(), Selector{}); got.Stage != StageServicesInProgress {
			t.Fatalf("got %s, want S3", got.Stage)
		}
	})

	t.Run("all results ready is S4", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		o := f.order(patient, uuid.New(), t0)
		for i := 0; i < 3; i++ {
			f.result(f.item(o), "done")
		}
		got := mustClassify(t, e, f.snap(), Selector{})
		if got.Stage != StageAwaitingDiagnosis || got.Diagnosed {
			t.Fatalf("got %+v, want undiagnosed S4", got)
		}
		if !got.AwaitingDiagnosis() || got.PendingCompletion() {
			t.Error("expected strict S4 membership")
		}
	})

	t.Run("diagnosed episode is pending completion", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		o := f.order(patient, uuid.New(), t0)
		f.result(f.item(o), "done")
		f.diagnose(o)
		got := mustClassify(t, e, f.snap(), Selector{})
		if got.Stage != StageAwaitingDiagnosis || !got.Diagnosed {
			t.Fatalf("got %+v, want diagnosed S4", got)
		}
		if got.AwaitingDiagnosis() || !got.PendingCompletion() {
			t.Error("diagnosed visit must leave the S4 worklist")
		}
	})

	t.Run("other patients' results do not count", func(t *testing.T) {
		var f fixture
		e := f.entry(patient, StatusWaiting, VisitResult)
		other := f.order(uuid.New(), uuid.New(), t0)
		f.result(f.item(other), "done")
		got := mustClassify(t, e, f.snap(), Selector{})
		if got.Stage != StageServicesInProgress || got.OrderID != nil {
			t.Fatalf("got %+v, want S3 with no order", got)
		}
	})
}

func TestClassify_TieBreaks(t *testing.T) {
	patient := uuid.New()
	drA, drB := uuid.New(), uuid.New()

	var f fixture
	e := f.entry(patient, StatusWaiting, VisitResult)
	// The first order in snapshot order is complete; the later one is not.
	done := f.order(patient, drA, t0)
	f.result(f.item(done), "done")
	open := f.order(patient, drB, t0.Add(time.Hour))
	f.item(open)
	s := f.snap()

	tests := []struct {
		name      string
		sel       Selector
		wantStage Stage
		wantOrder uuid.UUID
	}{
		{"first", Selector{TieBreak: TieBreakFirst}, StageAwaitingDiagnosis, done.ID},
		{"default is first", Selector{}, StageAwaitingDiagnosis, done.ID},
		{"latest", Selector{TieBreak: TieBreakLatest}, StageServicesInProgress, open.ID},
		{"doctor filter", Selector{DoctorID: drB}, StageServicesInProgress, open.ID},
		{"doctor filter with unique", Selector{DoctorID: drA, TieBreak: TieBreakUnique}, StageAwaitingDiagnosis, done.ID},
		{"pinned order", Selector{OrderID: open.ID, TieBreak: TieBreakUnique}, StageServicesInProgress, open.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustClassify(t, e, s, tt.sel)
			if c.Stage != tt.wantStage {
				t.Errorf("stage %s, want %s", c.Stage, tt.wantStage)
			}
			if c.OrderID == nil || *c.OrderID != tt.wantOrder {
				t.Errorf("order %v, want %s", c.OrderID, tt.wantOrder)
			}
		})
	}

	t.Run("unique refuses to choose", func(t *testing.T) {
		_, err := Classify(e, s, Selector{TieBreak: TieBreakUnique})
		if !errors.Is(err, ErrAmbiguousEpisode) {
			t.Fatalf("expected ErrAmbiguousEpisode, got %v", err)
		}
	})

	t.Run("pinned order of another patient", func(t *testing.T) {
		var g fixture
		other := g.order(uuid.New(), drA, t0)
		g.c.Waitlist = append(g.c.Waitlist, *e)
		g.c.MedicineRecords = append(g.c.MedicineRecords, f.c.MedicineRecords...)
		_, err := Classify(e, g.snap(), Selector{OrderID: other.ID})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("pinned unknown order", func(t *testing.T) {
		_, err := Classify(e, s, Selector{OrderID: uuid.New()})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestClassify_LatestKeepsLaterOfEqualDates(t *testing.T) {
	patient := uuid.New()
	var f fixture
	e := f.entry(patient, StatusWaiting, VisitResult)
	f.order(patient, uuid.New(), t0)
	second := f.order(patient, uuid.New(), t0)
	c := mustClassify(t, e, f.snap(), Selector{TieBreak: TieBreakLatest})
	if c.OrderID == nil || *c.OrderID != second.ID {
		t.Fatalf("expected the later order in snapshot order on a date tie")
	}
}

func TestClassify_DeterministicAndPure(t *testing.T) {
	patient := uuid.New()
	var f fixture
	e := f.entry(patient, StatusWaiting, VisitResult)
	o := f.order(patient, uuid.New(), t0)
	f.result(f.item(o), "done")
	f.item(o)
	s := f.snap()

	before := *e
	itemsBefore := s.Items(o.ID)
	first := mustClassify(t, e, s, Selector{})
	for i := 0; i < 10; i++ {
		again := mustClassify(t, e, s, Selector{})
		if again.Stage != first.Stage || again.Diagnosed != first.Diagnosed || *again.OrderID != *first.OrderID {
			t.Fatalf("run %d: %+v differs from %+v", i, again, first)
		}
	}
	if *e != before {
		t.Error("Classify modified the waitlist entry")
	}
	if len(s.Items(o.ID)) != len(itemsBefore) {
		t.Error("Classify modified the snapshot")
	}
}

func TestClassify_Totality(t *testing.T) {
	statuses := []WaitlistStatus{StatusWaiting, StatusInProgress, StatusComplete, ""}
	types := []VisitType{VisitInitial, VisitResult, ""}
	for _, st := range statuses {
		for _, vt := range types {
			var f fixture
			e := f.entry(uuid.New(), st, vt)
			c, err := Classify(e, f.snap(), Selector{})
			var ie *InconsistentSnapshot
			switch {
			case err == nil:
				if c.Stage.Ordinal() == 0 {
					t.Errorf("(%q,%q): no error but no stage", st, vt)
				}
			case errors.As(err, &ie):
				if c.Stage != "" {
					t.Errorf("(%q,%q): error with stage %s", st, vt, c.Stage)
				}
			default:
				t.Errorf("(%q,%q): unexpected error %v", st, vt, err)
			}
		}
	}
}

func TestNewSnapshot_CopiesInput(t *testing.T) {
	patient := uuid.New()
	var f fixture
	e := f.entry(patient, StatusWaiting, VisitInitial)
	s := f.snap()

	f.c.Waitlist[0].Status = StatusComplete
	f.c.Waitlist[0].VisitType = VisitResult

	got, ok := s.WaitlistEntry(e.ID)
	if !ok {
		t.Fatal("entry missing from snapshot")
	}
	if got.Status != StatusWaiting {
		t.Error("snapshot shares memory with its input")
	}
	got.Status = StatusComplete
	again, _ := s.WaitlistEntry(e.ID)
	if again.Status != StatusWaiting {
		t.Error("returned entry aliases snapshot state")
	}
}

func TestParseStage(t *testing.T) {
	for i, st := range Stages {
		got, err := ParseStage(" " + string(st) + " ")
		if err != nil || got != st {
			t.Errorf("ParseStage(%q) = %q, %v", st, got, err)
		}
		if st.Ordinal() != i+1 {
			t.Errorf("%s: ordinal %d, want %d", st, st.Ordinal(), i+1)
		}
	}
	if _, err := ParseStage("pending-completion"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestParseTieBreak(t *testing.T) {
	tests := map[string]TieBreak{"": TieBreakFirst, "FIRST": TieBreakFirst, "latest": TieBreakLatest, " unique": TieBreakUnique}
	for in, want := range tests {
		got, err := ParseTieBreak(in)
		if err != nil || got != want {
			t.Errorf("ParseTieBreak(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTieBreak("random"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClassify_ReturningPatient(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	day2 := t0.Add(24 * time.Hour)

	var f fixture
	first := f.entryAt(patient, StatusComplete, VisitResult, t0)
	old := f.order(patient, doctor, t0.Add(time.Hour))
	f.result(f.item(old), "clear")
	f.diagnose(old)
	second := f.entryAt(patient, StatusWaiting, VisitResult, day2)

	t.Run("new visit before its order exists", func(t *testing.T) {
		got := mustClassify(t, second, f.snap(), Selector{})
		if got.Stage != StageServicesInProgress || got.OrderID != nil || got.Diagnosed {
			t.Fatalf("got %+v, want S3 without an order", got)
		}
	})

	current := f.order(patient, doctor, day2.Add(time.Hour))
	f.item(current)
	f.item(current)
	s := f.snap()

	for _, tb := range []TieBreak{TieBreakFirst, TieBreakLatest, TieBreakUnique} {
		t.Run("open items with "+string(tb), func(t *testing.T) {
			got := mustClassify(t, second, s, Selector{TieBreak: tb})
			if got.Stage != StageServicesInProgress || got.Diagnosed {
				t.Fatalf("got %+v, want undiagnosed S3", got)
			}
			if got.OrderID == nil || *got.OrderID != current.ID {
				t.Fatalf("order %v, want the second visit's order %s", got.OrderID, current.ID)
			}
		})
	}

	t.Run("earlier visit keeps its own order", func(t *testing.T) {
		o, err := SelectOrder(s, first, Selector{})
		if err != nil || o == nil || o.ID != old.ID {
			t.Fatalf("got %+v (%v), want %s", o, err, old.ID)
		}
	})

	t.Run("pinning the earlier visit's order", func(t *testing.T) {
		_, err := Classify(second, s, Selector{OrderID: old.ID})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestClassify_NilInputs(t *testing.T) {
	var f fixture
	e := f.entry(uuid.New(), StatusWaiting, VisitInitial)

	if _, err := Classify(e, nil, Selector{}); !errors.Is(err, errNilInput) {
		t.Errorf("nil snapshot: expected errNilInput, got %v", err)
	}
	if _, err := Classify(nil, f.snap(), Selector{}); !errors.Is(err, errNilInput) {
		t.Errorf("nil entry: expected errNilInput, got %v", err)
	}
	if _, err := SelectOrder(nil, e, Selector{}); !errors.Is(err, errNilInput) {
		t.Errorf("SelectOrder nil snapshot: expected errNilInput, got %v", err)
	}
}
