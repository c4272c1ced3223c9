package visit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the record store the workflow engine reads and writes.
// Create methods assign the record ID before returning. Implementations
// return ErrNotFound for missing records and ErrConflict when a uniqueness
// rule (one result per item, one diagnosis per medicine record, one run per
// idempotency key) would be broken.
type Repository interface {
	// Waitlist
	CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	UpdateWaitlistState(ctx context.Context, id uuid.UUID, status WaitlistStatus, visitType VisitType) error

	// Episode records
	CreateMedicineRecord(ctx context.Context, r *MedicineRecord) error
	GetMedicineRecord(ctx context.Context, id uuid.UUID) (*MedicineRecord, error)
	CreateExamRecord(ctx context.Context, r *ExamRecord) error
	CreateServiceOrder(ctx context.Context, o *ServiceOrder) error
	GetServiceOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error)
	CreateServiceOrderItem(ctx context.Context, it *ServiceOrderItem) error
	GetServiceOrderItem(ctx context.Context, id uuid.UUID) (*ServiceOrderItem, error)
	CreateServiceResult(ctx context.Context, r *ServiceResult) error
	ListResultsByItem(ctx context.Context, itemID uuid.UUID) ([]*ServiceResult, error)
	CreateDiagnosis(ctx context.Context, d *Diagnosis) error
	ListDiagnosesByRecord(ctx context.Context, medicineRecordID uuid.UUID) ([]*Diagnosis, error)

	// Prescription chain
	CreatePrescription(ctx context.Context, p *Prescription) error
	CreatePrescriptionInvoice(ctx context.Context, inv *PrescriptionInvoice) error
	CreateMedicineDetail(ctx context.Context, d *MedicineDetail) error
	ListMedicineDetails(ctx context.Context, invoiceID uuid.UUID) ([]*MedicineDetail, error)

	// Snapshot reads every collection the classifier needs.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Saga journal
	CreateRun(ctx context.Context, r *SagaRun) error
	UpdateRun(ctx context.Context, r *SagaRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*SagaRun, error)
	GetRunByKey(ctx context.Context, key string) (*SagaRun, error)
	ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]*SagaRun, int, error)
}
