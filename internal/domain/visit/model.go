package visit

import (
	"time"

	"github.com/google/uuid"
)

// WaitlistStatus is the queue position of a waitlist entry.
type WaitlistStatus string

const (
	StatusWaiting    WaitlistStatus = "waiting"
	StatusInProgress WaitlistStatus = "in_progress"
	StatusComplete   WaitlistStatus = "complete"
)

// VisitType tells whether the patient is queued for the first examination
// or for the follow-up on paraclinical results.
type VisitType string

const (
	VisitInitial VisitType = "initial"
	VisitResult  VisitType = "result"
)

// WaitlistEntry maps to the waitlist_entry table. Its (Status, VisitType)
// pair is written only by the Saga.
type WaitlistEntry struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	PatientID     uuid.UUID      `db:"patient_id" json:"patient_id"`
	RoomID        *uuid.UUID     `db:"room_id" json:"room_id,omitempty"`
	EstimatedTime time.Time      `db:"estimated_time" json:"estimated_time"`
	Status        WaitlistStatus `db:"status" json:"status"`
	VisitType     VisitType      `db:"visit_type" json:"visit_type"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// MedicineRecord opens one clinical episode. Records are never updated.
type MedicineRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ExamRecord is the examination / medical history note written when the
// patient leaves the examination room.
type ExamRecord struct {
	ID               uuid.UUID `db:"id" json:"id"`
	MedicineRecordID uuid.UUID `db:"medicine_record_id" json:"medicine_record_id"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Reason           string    `db:"reason" json:"reason"`
	Symptoms         *string   `db:"symptoms" json:"symptoms,omitempty"`
	History          *string   `db:"history" json:"history,omitempty"`
	VitalSigns       *string   `db:"vital_signs" json:"vital_signs,omitempty"`
	Note             *string   `db:"note" json:"note,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// ServiceOrder groups the paraclinical services ordered for one episode.
type ServiceOrder struct {
	ID               uuid.UUID `db:"id" json:"id"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor_id"`
	OrderDate        time.Time `db:"order_date" json:"order_date"`
	MedicineRecordID uuid.UUID `db:"medicine_record_id" json:"medicine_record_id"`
}

// ServiceOrderItem is one ordered service, executed by DoctorID.
type ServiceOrderItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ServiceOrderID uuid.UUID `db:"service_order_id" json:"service_order_id"`
	ServiceID      uuid.UUID `db:"service_id" json:"service_id"`
	DoctorID       uuid.UUID `db:"doctor_id" json:"doctor_id"`
}

// ServiceResult closes a ServiceOrderItem.
type ServiceResult struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	ServiceOrderItemID uuid.UUID `db:"service_order_item_id" json:"service_order_item_id"`
	ResultDescription  string    `db:"result_description" json:"result_description"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

type Diagnosis struct {
	ID               uuid.UUID `db:"id" json:"id"`
	MedicineRecordID uuid.UUID `db:"medicine_record_id" json:"medicine_record_id"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Disease          string    `db:"disease" json:"disease"`
	TreatmentPlan    string    `db:"treatment_plan" json:"treatment_plan"`
	Conclusion       string    `db:"conclusion" json:"conclusion"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type Prescription struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	MedicineRecordID uuid.UUID  `db:"medicine_record_id" json:"medicine_record_id"`
	DoctorID         *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

type PrescriptionInvoice struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// MedicineDetail is one prescribed medicine line on an invoice.
type MedicineDetail struct {
	ID         uuid.UUID `db:"id" json:"id"`
	InvoiceID  uuid.UUID `db:"invoice_id" json:"invoice_id"`
	MedicineID uuid.UUID `db:"medicine_id" json:"medicine_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	Dosage     string    `db:"dosage" json:"dosage"`
}

// -- Saga journal --

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type StepStatus string

const (
	StepDone   StepStatus = "done"
	StepFailed StepStatus = "failed"
)

// SagaRun is the intent journal entry for one Saga operation. It is written
// before the first record is created and updated after every step, so the
// records left behind by a failed run can be reconciled by hand.
type SagaRun struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Operation      string     `db:"operation" json:"operation"`
	IdempotencyKey *string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	PayloadHash    *string    `db:"payload_hash" json:"payload_hash,omitempty"`
	SubjectID      uuid.UUID  `db:"subject_id" json:"subject_id"` // waitlist entry, order item or order
	Status         RunStatus  `db:"status" json:"status"`
	FailedStep     *string    `db:"failed_step" json:"failed_step,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	Steps          []StepLog  `db:"steps" json:"steps"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// StepLog records the outcome of one saga step.
type StepLog struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	Error    *string    `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}

// RecordID returns the ID created by the named step, if it completed.
func (r *SagaRun) RecordID(step string) (uuid.UUID, bool) {
	for _, s := range r.Steps {
		if s.Name == step && s.Status == StepDone && s.RecordID != nil {
			return *s.RecordID, true
		}
	}
	return uuid.Nil, false
}

// CreatedIDs returns the IDs of every record the run created, in step order.
func (r *SagaRun) CreatedIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range r.Steps {
		if s.Status == StepDone && s.RecordID != nil {
			ids = append(ids, *s.RecordID)
		}
	}
	return ids
}

// -- Saga inputs --

type ExamForm struct {
	DoctorID   uuid.UUID `json:"doctor_id"`
	Reason     string    `json:"reason"`
	Symptoms   string    `json:"symptoms"`
	History    string    `json:"history"`
	VitalSigns string    `json:"vital_signs"`
	Note       string    `json:"note"`
}

// ServiceSelection is one service picked for the order and the doctor who
// will perform it.
type ServiceSelection struct {
	ServiceID uuid.UUID `json:"service_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
}

type DiagnosisForm struct {
	DoctorID      uuid.UUID `json:"doctor_id"`
	Disease       string    `json:"disease"`
	TreatmentPlan string    `json:"treatment_plan"`
	Conclusion    string    `json:"conclusion"`
}

type PrescriptionLine struct {
	MedicineID uuid.UUID `json:"medicine_id"`
	Quantity   int       `json:"quantity"`
	Dosage     string    `json:"dosage"`
}

type PrescriptionRequest struct {
	WaitlistID       uuid.UUID          `json:"waitlist_id"`
	ServiceOrderID   uuid.UUID          `json:"service_order_id"`
	MedicineRecordID uuid.UUID          `json:"medicine_record_id"`
	DoctorID         uuid.UUID          `json:"doctor_id"`
	Lines            []PrescriptionLine `json:"lines"`
}

func strPtr(s string) *string { return &s }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
