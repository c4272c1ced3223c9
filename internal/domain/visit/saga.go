package visit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Saga operations.
const (
	OpAdvanceFromExam     = "advance_from_exam"
	OpAssignServices      = "assign_services"
	OpRecordServiceResult = "record_service_result"
	OpRecordDiagnosis     = "record_diagnosis"
	OpSubmitPrescription  = "submit_prescription"
	OpSkipPrescription    = "skip_prescription"
)

// Saga step names. Batch steps are suffixed with the line index.
const (
	StepCreateMedicineRecord = "create_medicine_record"
	StepCreateExamRecord     = "create_exam_record"
	StepCreateServiceOrder   = "create_service_order"
	StepServiceOrderItems    = "create_service_order_items"
	StepCreateServiceResult  = "create_service_result"
	StepCreateDiagnosis      = "create_diagnosis"
	StepCreatePrescription   = "create_prescription"
	StepCreateInvoice        = "create_prescription_invoice"
	StepUpdateWaitlist       = "update_waitlist"

	stepJournal = "journal"
	stepLoad    = "load"
)

func ItemStep(i int) string   { return fmt.Sprintf("create_service_order_item[%d]", i) }
func DetailStep(i int) string { return fmt.Sprintf("create_medicine_detail[%d]", i) }

// Recorder receives workflow metrics.
type Recorder interface {
	RunFinished(operation string, status RunStatus)
	StepFailed(operation, step string)
	WorklistSize(worklist string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, RunStatus) {}
func (nopRecorder) StepFailed(string, string)     {}
func (nopRecorder) WorklistSize(string, int)      {}

// step is one write of a saga operation. do returns the ID of the record it
// created, if any. restore feeds that ID back when a failed run is resumed
// and the step already completed.
type step struct {
	name       string
	bestEffort bool
	do         func(ctx context.Context) (*uuid.UUID, error)
	restore    func(id uuid.UUID)
}

// Saga advances visits between workflow stages. Every operation is an
// ordered list of writes; the first failing write aborts the operation and
// earlier writes stay in place. Each run is journaled so failed runs can be
// inspected, and runs started with an idempotency key can be replayed
// (succeeded) or resumed from the failed step (failed).
type Saga struct {
	repo    Repository
	logger  zerolog.Logger
	metrics Recorder
	now     func() time.Time
}

type SagaOption func(*Saga)

func WithRecorder(r Recorder) SagaOption {
	return func(s *Saga) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithClock(now func() time.Time) SagaOption {
	return func(s *Saga) { s.now = now }
}

func NewSaga(repo Repository, logger zerolog.Logger, opts ...SagaOption) *Saga {
	s := &Saga{
		repo:    repo,
		logger:  logger.With().Str("component", "saga").Logger(),
		metrics: nopRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type runConfig struct {
	key  string
	hash string
}

// RunOption configures a single saga operation.
type RunOption func(*runConfig)

// WithIdempotencyKey ties the run to key and the request payload. Repeating
// a succeeded run returns it unchanged; repeating a failed run resumes it
// after its last completed step. Reusing the key with a different payload
// is a conflict.
func WithIdempotencyKey(key string) RunOption {
	return func(c *runConfig) { c.key = strings.TrimSpace(key) }
}

func runOptions(opts []RunOption, payload any) runConfig {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.key != "" {
		cfg.hash = payloadHash(payload)
	}
	return cfg
}

// payloadHash fingerprints the JSON form of an operation's input.
func payloadHash(payload any) string {
	// inputs are plain structs of ids and strings; Marshal cannot fail
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// -- Intake --

// CheckIn queues a patient for examination. It is the only write that
// creates waitlist entries.
func (s *Saga) CheckIn(ctx context.Context, patientID uuid.UUID, roomID *uuid.UUID, estimated time.Time) (*WaitlistEntry, error) {
	if patientID == uuid.Nil {
		return nil, invalid("patient_id", "is required")
	}
	if estimated.IsZero() {
		estimated = s.now()
	}
	e := &WaitlistEntry{
		PatientID:     patientID,
		RoomID:        roomID,
		EstimatedTime: estimated,
		Status:        StatusWaiting,
		VisitType:     VisitInitial,
	}
	if err := s.repo.CreateWaitlistEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("check in patient %s: %w", patientID, err)
	}
	return e, nil
}

// -- Transitions --

// AdvanceFromExam opens an episode for the examined patient and moves the
// visit to (InProgress, Initial).
func (s *Saga) AdvanceFromExam(ctx context.Context, patientID, waitlistID uuid.UUID, form ExamForm, opts ...RunOption) (*SagaRun, error) {
	const op = OpAdvanceFromExam
	if err := requireIDs(map[string]uuid.UUID{"patient_id": patientID, "waitlist_id": waitlistID, "doctor_id": form.DoctorID}); err != nil {
		return nil, err
	}
	if isBlank(form.Reason) {
		return nil, invalid("reason", "is required")
	}

	cfg := runOptions(opts, struct {
		PatientID  uuid.UUID `json:"patient_id"`
		WaitlistID uuid.UUID `json:"waitlist_id"`
		Form       ExamForm  `json:"form"`
	}{patientID, waitlistID, form})
	prior, replay, err := s.lookupRun(ctx, op, waitlistID, cfg)
	if err != nil || replay {
		return prior, err
	}

	entry, err := load(ctx, op, "waitlist entry", waitlistID, s.repo.GetWaitlistEntry)
	if err != nil {
		return nil, err
	}
	if err := ownedBy(entry, patientID); err != nil {
		return nil, err
	}
	if entry.Status != StatusWaiting || entry.VisitType != VisitInitial {
		return nil, conflictf("waitlist entry %s is not awaiting examination (status=%s visit_type=%s)", entry.ID, entry.Status, entry.VisitType)
	}

	rec := &MedicineRecord{PatientID: patientID}
	exam := &ExamRecord{
		DoctorID:   form.DoctorID,
		Reason:     strings.TrimSpace(form.Reason),
		Symptoms:   optStr(form.Symptoms),
		History:    optStr(form.History),
		VitalSigns: optStr(form.VitalSigns),
		Note:       optStr(form.Note),
	}
	steps := []step{
		{
			name: StepCreateMedicineRecord,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				if err := s.repo.CreateMedicineRecord(ctx, rec); err != nil {
					return nil, err
				}
				return uuidPtr(rec.ID), nil
			},
			restore: func(id uuid.UUID) { rec.ID = id },
		},
		{
			name: StepCreateExamRecord,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				exam.MedicineRecordID = rec.ID
				if err := s.repo.CreateExamRecord(ctx, exam); err != nil {
					return nil, err
				}
				return uuidPtr(exam.ID), nil
			},
		},
		s.transition(waitlistID, StatusInProgress, VisitInitial),
	}
	return s.execute(ctx, op, waitlistID, cfg, prior, steps)
}

// AssignServices opens an episode with a service order and one item per
// selection, then moves the visit to (Waiting, Result). Item creation is
// best-effort: a failed item is journaled and the remaining items are still
// created. The operation fails only if no item could be created.
func (s *Saga) AssignServices(ctx context.Context, patientID, waitlistID, doctorID uuid.UUID, selections []ServiceSelection, opts ...RunOption) (*SagaRun, error) {
	const op = OpAssignServices
	if err := requireIDs(map[string]uuid.UUID{"patient_id": patientID, "waitlist_id": waitlistID, "doctor_id": doctorID}); err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, invalid("selections", "at least one service must be selected")
	}
	for i, sel := range selections {
		if sel.ServiceID == uuid.Nil {
			return nil, invalid(fmt.Sprintf("selections[%d].service_id", i), "is required")
		}
		if sel.DoctorID == uuid.Nil {
			return nil, invalid(fmt.Sprintf("selections[%d].doctor_id", i), "no doctor assigned to the service")
		}
	}

	cfg := runOptions(opts, struct {
		PatientID  uuid.UUID          `json:"patient_id"`
		WaitlistID uuid.UUID          `json:"waitlist_id"`
		DoctorID   uuid.UUID          `json:"doctor_id"`
		Selections []ServiceSelection `json:"selections"`
	}{patientID, waitlistID, doctorID, selections})
	prior, replay, err := s.lookupRun(ctx, op, waitlistID, cfg)
	if err != nil || replay {
		return prior, err
	}

	entry, err := load(ctx, op, "waitlist entry", waitlistID, s.repo.GetWaitlistEntry)
	if err != nil {
		return nil, err
	}
	if err := ownedBy(entry, patientID); err != nil {
		return nil, err
	}
	if entry.VisitType != VisitInitial || entry.Status == StatusComplete {
		return nil, conflictf("waitlist entry %s cannot be assigned services (status=%s visit_type=%s)", entry.ID, entry.Status, entry.VisitType)
	}

	rec := &MedicineRecord{PatientID: patientID}
	order := &ServiceOrder{DoctorID: doctorID}
	created := 0

	steps := []step{
		{
			name: StepCreateMedicineRecord,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				if err := s.repo.CreateMedicineRecord(ctx, rec); err != nil {
					return nil, err
				}
				return uuidPtr(rec.ID), nil
			},
			restore: func(id uuid.UUID) { rec.ID = id },
		},
		{
			name: StepCreateServiceOrder,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				order.MedicineRecordID = rec.ID
				if order.OrderDate.IsZero() {
					order.OrderDate = s.now()
				}
				if err := s.repo.CreateServiceOrder(ctx, order); err != nil {
					return nil, err
				}
				return uuidPtr(order.ID), nil
			},
			restore: func(id uuid.UUID) { order.ID = id },
		},
	}
	for i, sel := range selections {
		steps = append(steps, step{
			name:       ItemStep(i),
			bestEffort: true,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				it := &ServiceOrderItem{ServiceOrderID: order.ID, ServiceID: sel.ServiceID, DoctorID: sel.DoctorID}
				if err := s.repo.CreateServiceOrderItem(ctx, it); err != nil {
					return nil, err
				}
				created++
				return uuidPtr(it.ID), nil
			},
			restore: func(uuid.UUID) { created++ },
		})
	}
	steps = append(steps,
		step{
			name: StepServiceOrderItems,
			do: func(context.Context) (*uuid.UUID, error) {
				if created == 0 {
					return nil, fmt.Errorf("none of the %d service order items could be created", len(selections))
				}
				return nil, nil
			},
		},
		s.transition(waitlistID, StatusWaiting, VisitResult),
	)
	return s.execute(ctx, op, waitlistID, cfg, prior, steps)
}

// RecordServiceResult closes one service order item. The visit's move to
// S4 follows from the classifier once every item has a result.
func (s *Saga) RecordServiceResult(ctx context.Context, itemID uuid.UUID, description string, opts ...RunOption) (*SagaRun, error) {
	const op = OpRecordServiceResult
	if itemID == uuid.Nil {
		return nil, invalid("service_order_item_id", "is required")
	}
	if isBlank(description) {
		return nil, invalid("result_description", "is required")
	}

	cfg := runOptions(opts, struct {
		ItemID      uuid.UUID `json:"service_order_item_id"`
		Description string    `json:"result_description"`
	}{itemID, strings.TrimSpace(description)})
	prior, replay, err := s.lookupRun(ctx, op, itemID, cfg)
	if err != nil || replay {
		return prior, err
	}

	if _, err := load(ctx, op, "service order item", itemID, s.repo.GetServiceOrderItem); err != nil {
		return nil, err
	}
	existing, err := s.repo.ListResultsByItem(ctx, itemID)
	if err != nil {
		return nil, &DependencyFailure{Operation: op, Step: stepLoad, Err: err}
	}
	if len(existing) > 0 {
		return nil, conflictf("service order item %s already has a result", itemID)
	}

	res := &ServiceResult{ServiceOrderItemID: itemID, ResultDescription: strings.TrimSpace(description)}
	steps := []step{{
		name: StepCreateServiceResult,
		do: func(ctx context.Context) (*uuid.UUID, error) {
			if err := s.repo.CreateServiceResult(ctx, res); err != nil {
				return nil, err
			}
			return uuidPtr(res.ID), nil
		},
	}}
	return s.execute(ctx, op, itemID, cfg, prior, steps)
}

// RecordDiagnosis writes the diagnosis for the order's episode. The waitlist
// entry is left in place: the visit still has to be completed by
// SubmitPrescription or SkipPrescription.
func (s *Saga) RecordDiagnosis(ctx context.Context, orderID uuid.UUID, form DiagnosisForm, opts ...RunOption) (*SagaRun, error) {
	const op = OpRecordDiagnosis
	if orderID == uuid.Nil {
		return nil, invalid("service_order_id", "is required")
	}
	for _, f := range []struct{ name, value string }{
		{"disease", form.Disease},
		{"treatment_plan", form.TreatmentPlan},
		{"conclusion", form.Conclusion},
	} {
		if isBlank(f.value) {
			return nil, invalid(f.name, "is required")
		}
	}

	cfg := runOptions(opts, struct {
		OrderID uuid.UUID     `json:"service_order_id"`
		Form    DiagnosisForm `json:"form"`
	}{orderID, form})
	prior, replay, err := s.lookupRun(ctx, op, orderID, cfg)
	if err != nil || replay {
		return prior, err
	}

	order, err := load(ctx, op, "service order", orderID, s.repo.GetServiceOrder)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.ListDiagnosesByRecord(ctx, order.MedicineRecordID)
	if err != nil {
		return nil, &DependencyFailure{Operation: op, Step: stepLoad, Err: err}
	}
	if len(existing) > 0 {
		return nil, conflictf("medicine record %s already has a diagnosis", order.MedicineRecordID)
	}

	doctorID := form.DoctorID
	if doctorID == uuid.Nil {
		doctorID = order.DoctorID
	}
	d := &Diagnosis{
		MedicineRecordID: order.MedicineRecordID,
		DoctorID:         doctorID,
		Disease:          strings.TrimSpace(form.Disease),
		TreatmentPlan:    strings.TrimSpace(form.TreatmentPlan),
		Conclusion:       strings.TrimSpace(form.Conclusion),
	}
	steps := []step{{
		name: StepCreateDiagnosis,
		do: func(ctx context.Context) (*uuid.UUID, error) {
			if err := s.repo.CreateDiagnosis(ctx, d); err != nil {
				return nil, err
			}
			return uuidPtr(d.ID), nil
		},
	}}
	return s.execute(ctx, op, orderID, cfg, prior, steps)
}

// SubmitPrescription writes the prescription chain for the episode and
// completes the visit.
func (s *Saga) SubmitPrescription(ctx context.Context, req PrescriptionRequest, opts ...RunOption) (*SagaRun, error) {
	const op = OpSubmitPrescription
	if err := requireIDs(map[string]uuid.UUID{
		"waitlist_id":        req.WaitlistID,
		"service_order_id":   req.ServiceOrderID,
		"medicine_record_id": req.MedicineRecordID,
	}); err != nil {
		return nil, err
	}
	if len(req.Lines) == 0 {
		return nil, invalid("lines", "at least one medicine is required")
	}
	for i, l := range req.Lines {
		if l.MedicineID == uuid.Nil {
			return nil, invalid(fmt.Sprintf("lines[%d].medicine_id", i), "is required")
		}
		if l.Quantity < 1 {
			return nil, invalid(fmt.Sprintf("lines[%d].quantity", i), "must be at least 1")
		}
		if isBlank(l.Dosage) {
			return nil, invalid(fmt.Sprintf("lines[%d].dosage", i), "is required")
		}
	}

	cfg := runOptions(opts, req)
	prior, replay, err := s.lookupRun(ctx, op, req.WaitlistID, cfg)
	if err != nil || replay {
		return prior, err
	}

	order, err := load(ctx, op, "service order", req.ServiceOrderID, s.repo.GetServiceOrder)
	if err != nil {
		return nil, err
	}
	if order.MedicineRecordID != req.MedicineRecordID {
		return nil, invalid("medicine_record_id", fmt.Sprintf("service order %s belongs to medicine record %s", order.ID, order.MedicineRecordID))
	}
	rec, err := load(ctx, op, "medicine record", req.MedicineRecordID, s.repo.GetMedicineRecord)
	if err != nil {
		return nil, err
	}
	entry, err := s.completable(ctx, op, req.WaitlistID)
	if err != nil {
		return nil, err
	}
	if err := ownedBy(entry, rec.PatientID); err != nil {
		return nil, err
	}

	doctorID := req.DoctorID
	if doctorID == uuid.Nil {
		doctorID = order.DoctorID
	}
	p := &Prescription{MedicineRecordID: rec.ID, DoctorID: uuidPtr(doctorID)}
	inv := &PrescriptionInvoice{}

	steps := []step{
		{
			name: StepCreatePrescription,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				if err := s.repo.CreatePrescription(ctx, p); err != nil {
					return nil, err
				}
				return uuidPtr(p.ID), nil
			},
			restore: func(id uuid.UUID) { p.ID = id },
		},
		{
			name: StepCreateInvoice,
			do: func(ctx context.Context) (*uuid.UUID, error) {
				inv.PrescriptionID = p.ID
				if err := s.repo.CreatePrescriptionInvoice(ctx, inv); err != nil {
					return nil, err
				}
				return uuidPtr(inv.ID), nil
			},
			restore: func(id uuid.UUID) { inv.ID = id },
		},
	}
	for i, l := range req.Lines {
		steps = append(steps, step{
			name: DetailStep(i),
			do: func(ctx context.Context) (*uuid.UUID, error) {
				d := &MedicineDetail{
					InvoiceID:  inv.ID,
					MedicineID: l.MedicineID,
					Quantity:   l.Quantity,
					Dosage:     strings.TrimSpace(l.Dosage),
				}
				if err := s.repo.CreateMedicineDetail(ctx, d); err != nil {
					return nil, err
				}
				return uuidPtr(d.ID), nil
			},
		})
	}
	steps = append(steps, s.transition(req.WaitlistID, StatusComplete, VisitResult))
	return s.execute(ctx, op, req.WaitlistID, cfg, prior, steps)
}

// SkipPrescription completes the visit without a prescription.
func (s *Saga) SkipPrescription(ctx context.Context, waitlistID uuid.UUID, opts ...RunOption) (*SagaRun, error) {
	const op = OpSkipPrescription
	if waitlistID == uuid.Nil {
		return nil, invalid("waitlist_id", "is required")
	}

	cfg := runOptions(opts, struct {
		WaitlistID uuid.UUID `json:"waitlist_id"`
	}{waitlistID})
	prior, replay, err := s.lookupRun(ctx, op, waitlistID, cfg)
	if err != nil || replay {
		return prior, err
	}
	if _, err := s.completable(ctx, op, waitlistID); err != nil {
		return nil, err
	}
	return s.execute(ctx, op, waitlistID, cfg, prior, []step{s.transition(waitlistID, StatusComplete, VisitResult)})
}

// -- Reads --

func (s *Saga) WaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	return s.repo.GetWaitlistEntry(ctx, id)
}

func (s *Saga) GetRun(ctx context.Context, id uuid.UUID) (*SagaRun, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *Saga) ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]*SagaRun, int, error) {
	return s.repo.ListRuns(ctx, status, limit, offset)
}

// -- internals --

// completable loads a waitlist entry that is waiting on its results visit.
// Completing a visit twice is reported as a conflict before any write.
func (s *Saga) completable(ctx context.Context, op string, waitlistID uuid.UUID) (*WaitlistEntry, error) {
	entry, err := load(ctx, op, "waitlist entry", waitlistID, s.repo.GetWaitlistEntry)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusComplete {
		return nil, conflictf("visit %s is already complete", entry.ID)
	}
	if entry.Status != StatusWaiting || entry.VisitType != VisitResult {
		return nil, conflictf("waitlist entry %s is not waiting on results (status=%s visit_type=%s)", entry.ID, entry.Status, entry.VisitType)
	}
	return entry, nil
}

func (s *Saga) transition(waitlistID uuid.UUID, status WaitlistStatus, visitType VisitType) step {
	return step{
		name: StepUpdateWaitlist,
		do: func(ctx context.Context) (*uuid.UUID, error) {
			if err := s.repo.UpdateWaitlistState(ctx, waitlistID, status, visitType); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

// lookupRun resolves an idempotency key. It returns the prior run and
// replay=true when the run already succeeded, the prior run and
// replay=false when it failed and should be resumed.
func (s *Saga) lookupRun(ctx context.Context, op string, subject uuid.UUID, cfg runConfig) (*SagaRun, bool, error) {
	key := cfg.key
	if key == "" {
		return nil, false, nil
	}
	run, err := s.repo.GetRunByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &DependencyFailure{Operation: op, Step: stepJournal, Err: err}
	}
	if run.Operation != op || run.SubjectID != subject {
		return nil, false, conflictf("idempotency key %q belongs to %s on %s", key, run.Operation, run.SubjectID)
	}
	if run.PayloadHash != nil && *run.PayloadHash != cfg.hash {
		return nil, false, conflictf("idempotency key %q was used with a different request", key)
	}
	switch run.Status {
	case RunSucceeded:
		s.logger.Info().Str("operation", op).Str("run_id", run.ID.String()).Msg("replaying succeeded run")
		return run, true, nil
	case RunRunning:
		return nil, false, conflictf("run %s for idempotency key %q is still running", run.ID, key)
	}
	return run, false, nil
}

func (s *Saga) execute(ctx context.Context, op string, subject uuid.UUID, cfg runConfig, prior *SagaRun, steps []step) (*SagaRun, error) {
	done := make(map[string]StepLog)
	run := prior
	if run != nil {
		kept := run.Steps[:0]
		for _, l := range run.Steps {
			if l.Status == StepDone {
				done[l.Name] = l
				kept = append(kept, l)
			}
		}
		run.Steps = kept
		run.Status = RunRunning
		run.FailedStep, run.Error, run.FinishedAt = nil, nil, nil
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			return nil, &DependencyFailure{Operation: op, Step: stepJournal, RunID: run.ID, Err: err}
		}
	} else {
		run = &SagaRun{Operation: op, SubjectID: subject, Status: RunRunning, StartedAt: s.now()}
		if cfg.key != "" {
			run.IdempotencyKey = strPtr(cfg.key)
			run.PayloadHash = strPtr(cfg.hash)
		}
		if err := s.repo.CreateRun(ctx, run); err != nil {
			if errors.Is(err, ErrConflict) {
				return nil, conflictf("idempotency key %q is already in use", cfg.key)
			}
			return nil, &DependencyFailure{Operation: op, Step: stepJournal, Err: err}
		}
	}

	log := s.logger.With().Str("operation", op).Str("run_id", run.ID.String()).Logger()
	if prior != nil {
		log.Info().Int("completed_steps", len(done)).Msg("resuming failed run")
	}

	for _, st := range steps {
		if prev, ok := done[st.name]; ok {
			if prev.RecordID != nil && st.restore != nil {
				st.restore(*prev.RecordID)
			}
			continue
		}

		id, err := st.do(ctx)
		entry := StepLog{Name: st.name, RecordID: id, At: s.now()}
		if err != nil {
			entry.Status = StepFailed
			entry.Error = strPtr(err.Error())
			run.Steps = append(run.Steps, entry)
			s.metrics.StepFailed(op, st.name)
			if st.bestEffort {
				log.Warn().Str("step", st.name).Err(err).Msg("best-effort step failed, continuing")
				s.journal(ctx, log, run)
				continue
			}
			log.Error().Str("step", st.name).Err(err).Strs("orphaned", idStrings(run.CreatedIDs())).Msg("saga step failed")
			return run, s.fail(ctx, log, run, st.name, err)
		}
		entry.Status = StepDone
		run.Steps = append(run.Steps, entry)
		s.journal(ctx, log, run)
	}

	finished := s.now()
	run.Status = RunSucceeded
	run.FinishedAt = &finished
	s.journal(ctx, log, run)
	s.metrics.RunFinished(op, RunSucceeded)
	log.Info().Int("steps", len(run.Steps)).Msg("saga run succeeded")
	return run, nil
}

func (s *Saga) fail(ctx context.Context, log zerolog.Logger, run *SagaRun, stepName string, err error) error {
	finished := s.now()
	run.Status = RunFailed
	run.FailedStep = strPtr(stepName)
	run.Error = strPtr(err.Error())
	run.FinishedAt = &finished
	s.journal(ctx, log, run)
	s.metrics.RunFinished(run.Operation, RunFailed)
	return &DependencyFailure{Operation: run.Operation, Step: stepName, RunID: run.ID, Err: err}
}

// journal persists the run. Journal writes outlive a cancelled caller
// context and never fail the operation.
func (s *Saga) journal(ctx context.Context, log zerolog.Logger, run *SagaRun) {
	if err := s.repo.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Msg("failed to update saga journal")
	}
}

func load[T any](ctx context.Context, op, what string, id uuid.UUID, get func(context.Context, uuid.UUID) (T, error)) (T, error) {
	v, err := get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	if err != nil {
		var zero T
		return zero, &DependencyFailure{Operation: op, Step: stepLoad, Err: fmt.Errorf("%s %s: %w", what, id, err)}
	}
	return v, nil
}

func ownedBy(entry *WaitlistEntry, patientID uuid.UUID) error {
	if entry.PatientID != patientID {
		return invalid("patient_id", fmt.Sprintf("waitlist entry %s belongs to another patient", entry.ID))
	}
	return nil
}

func requireIDs(ids map[string]uuid.UUID) error {
	for _, field := range []string{"patient_id", "waitlist_id", "service_order_id", "medicine_record_id", "doctor_id"} {
		if id, ok := ids[field]; ok && id == uuid.Nil {
			return invalid(field, "is required")
		}
	}
	return nil
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func optStr(s string) *string {
	if isBlank(s) {
		return nil
	}
	return strPtr(strings.TrimSpace(s))
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
