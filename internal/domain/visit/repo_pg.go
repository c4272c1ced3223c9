package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Repository backed by PostgreSQL.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// pgErr maps driver errors onto the repository contract.
func pgErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s (%s)", ErrConflict, what, pe.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// -- Waitlist --

const waitlistCols = `id, patient_id, room_id, estimated_time, status, visit_type, created_at, updated_at`

func (r *repoPG) CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO waitlist_entry (id, patient_id, room_id, estimated_time, status, visit_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		e.ID, e.PatientID, e.RoomID, e.EstimatedTime, string(e.Status), string(e.VisitType),
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return pgErr("create waitlist entry", err)
}

func scanWaitlist(row pgx.Row) (*WaitlistEntry, error) {
	var (
		e         WaitlistEntry
		status    string
		visitType string
	)
	if err := row.Scan(&e.ID, &e.PatientID, &e.RoomID, &e.EstimatedTime, &status, &visitType, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = WaitlistStatus(status)
	e.VisitType = VisitType(visitType)
	return &e, nil
}

func (r *repoPG) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	e, err := scanWaitlist(r.conn(ctx).QueryRow(ctx, `SELECT `+waitlistCols+` FROM waitlist_entry WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("waitlist entry "+id.String(), err)
	}
	return e, nil
}

func (r *repoPG) UpdateWaitlistState(ctx context.Context, id uuid.UUID, status WaitlistStatus, visitType VisitType) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE waitlist_entry SET status = $2, visit_type = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), string(visitType))
	if err != nil {
		return pgErr("update waitlist entry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("waitlist entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// -- Episode records --

func (r *repoPG) CreateMedicineRecord(ctx context.Context, rec *MedicineRecord) error {
	rec.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medicine_record (id, patient_id) VALUES ($1, $2)
		RETURNING created_at`, rec.ID, rec.PatientID).Scan(&rec.CreatedAt)
	return pgErr("create medicine record", err)
}

func (r *repoPG) GetMedicineRecord(ctx context.Context, id uuid.UUID) (*MedicineRecord, error) {
	var rec MedicineRecord
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, patient_id, created_at FROM medicine_record WHERE id = $1`, id).
		Scan(&rec.ID, &rec.PatientID, &rec.CreatedAt)
	if err != nil {
		return nil, pgErr("medicine record "+id.String(), err)
	}
	return &rec, nil
}

func (r *repoPG) CreateExamRecord(ctx context.Context, rec *ExamRecord) error {
	rec.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_record (id, medicine_record_id, doctor_id, reason, symptoms, history, vital_signs, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		rec.ID, rec.MedicineRecordID, rec.DoctorID, rec.Reason, rec.Symptoms, rec.History, rec.VitalSigns, rec.Note,
	).Scan(&rec.CreatedAt)
	return pgErr("create exam record", err)
}

func (r *repoPG) CreateServiceOrder(ctx context.Context, o *ServiceOrder) error {
	o.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_order (id, doctor_id, order_date, medicine_record_id)
		VALUES ($1, $2, COALESCE($3, NOW()), $4)
		RETURNING order_date`,
		o.ID, o.DoctorID, nullTime(o.OrderDate), o.MedicineRecordID,
	).Scan(&o.OrderDate)
	return pgErr("create service order", err)
}

func (r *repoPG) GetServiceOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error) {
	var o ServiceOrder
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, doctor_id, order_date, medicine_record_id FROM service_order WHERE id = $1`, id).
		Scan(&o.ID, &o.DoctorID, &o.OrderDate, &o.MedicineRecordID)
	if err != nil {
		return nil, pgErr("service order "+id.String(), err)
	}
	return &o, nil
}

func (r *repoPG) CreateServiceOrderItem(ctx context.Context, it *ServiceOrderItem) error {
	it.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO service_order_item (id, service_order_id, service_id, doctor_id)
		VALUES ($1, $2, $3, $4)`,
		it.ID, it.ServiceOrderID, it.ServiceID, it.DoctorID)
	return pgErr("create service order item", err)
}

func (r *repoPG) GetServiceOrderItem(ctx context.Context, id uuid.UUID) (*ServiceOrderItem, error) {
	var it ServiceOrderItem
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, service_order_id, service_id, doctor_id FROM service_order_item WHERE id = $1`, id).
		Scan(&it.ID, &it.ServiceOrderID, &it.ServiceID, &it.DoctorID)
	if err != nil {
		return nil, pgErr("service order item "+id.String(), err)
	}
	return &it, nil
}

func (r *repoPG) CreateServiceResult(ctx context.Context, res *ServiceResult) error {
	res.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_result (id, service_order_item_id, result_description)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		res.ID, res.ServiceOrderItemID, res.ResultDescription,
	).Scan(&res.CreatedAt)
	return pgErr("create service result", err)
}

func (r *repoPG) ListResultsByItem(ctx context.Context, itemID uuid.UUID) ([]*ServiceResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, service_order_item_id, result_description, created_at
		FROM service_result WHERE service_order_item_id = $1 ORDER BY created_at`, itemID)
	if err != nil {
		return nil, pgErr("list service results", err)
	}
	defer rows.Close()
	var out []*ServiceResult
	for rows.Next() {
		var res ServiceResult
		if err := rows.Scan(&res.ID, &res.ServiceOrderItemID, &res.ResultDescription, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (r *repoPG) CreateDiagnosis(ctx context.Context, d *Diagnosis) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis (id, medicine_record_id, doctor_id, disease, treatment_plan, conclusion)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		d.ID, d.MedicineRecordID, d.DoctorID, d.Disease, d.TreatmentPlan, d.Conclusion,
	).Scan(&d.CreatedAt)
	return pgErr("create diagnosis", err)
}

func (r *repoPG) ListDiagnosesByRecord(ctx context.Context, medicineRecordID uuid.UUID) ([]*Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, medicine_record_id, doctor_id, disease, treatment_plan, conclusion, created_at
		FROM diagnosis WHERE medicine_record_id = $1 ORDER BY created_at`, medicineRecordID)
	if err != nil {
		return nil, pgErr("list diagnoses", err)
	}
	defer rows.Close()
	var out []*Diagnosis
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.ID, &d.MedicineRecordID, &d.DoctorID, &d.Disease, &d.TreatmentPlan, &d.Conclusion, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// -- Prescription chain --

func (r *repoPG) CreatePrescription(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, medicine_record_id, doctor_id) VALUES ($1, $2, $3)
		RETURNING created_at`, p.ID, p.MedicineRecordID, p.DoctorID).Scan(&p.CreatedAt)
	return pgErr("create prescription", err)
}

func (r *repoPG) CreatePrescriptionInvoice(ctx context.Context, inv *PrescriptionInvoice) error {
	inv.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription_invoice (id, prescription_id) VALUES ($1, $2)
		RETURNING created_at`, inv.ID, inv.PrescriptionID).Scan(&inv.CreatedAt)
	return pgErr("create prescription invoice", err)
}

func (r *repoPG) CreateMedicineDetail(ctx context.Context, d *MedicineDetail) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medicine_detail (id, invoice_id, medicine_id, quantity, dosage)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.InvoiceID, d.MedicineID, d.Quantity, d.Dosage)
	return pgErr("create medicine detail", err)
}

func (r *repoPG) ListMedicineDetails(ctx context.Context, invoiceID uuid.UUID) ([]*MedicineDetail, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, medicine_id, quantity, dosage
		FROM medicine_detail WHERE invoice_id = $1`, invoiceID)
	if err != nil {
		return nil, pgErr("list medicine details", err)
	}
	defer rows.Close()
	var out []*MedicineDetail
	for rows.Next() {
		var d MedicineDetail
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.MedicineID, &d.Quantity, &d.Dosage); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// -- Snapshot --

// Snapshot reads every classifier collection inside one repeatable-read
// transaction so the collections agree with each other.
func (r *repoPG) Snapshot(ctx context.Context) (*Snapshot, error) {
	var c Collections
	read := func(ctx context.Context, q querier) error {
		var err error
		if c.Waitlist, err = queryAll(ctx, q, `SELECT `+waitlistCols+` FROM waitlist_entry ORDER BY estimated_time, created_at, id`,
			func(row pgx.Rows) (WaitlistEntry, error) {
				e, err := scanWaitlist(row)
				if err != nil {
					return WaitlistEntry{}, err
				}
				return *e, nil
			}); err != nil {
			return fmt.Errorf("read waitlist: %w", err)
		}
		if c.MedicineRecords, err = queryAll(ctx, q, `SELECT id, patient_id, created_at FROM medicine_record`,
			func(row pgx.Rows) (MedicineRecord, error) {
				var rec MedicineRecord
				return rec, row.Scan(&rec.ID, &rec.PatientID, &rec.CreatedAt)
			}); err != nil {
			return fmt.Errorf("read medicine records: %w", err)
		}
		if c.ServiceOrders, err = queryAll(ctx, q, `SELECT id, doctor_id, order_date, medicine_record_id FROM service_order ORDER BY order_date, id`,
			func(row pgx.Rows) (ServiceOrder, error) {
				var o ServiceOrder
				return o, row.Scan(&o.ID, &o.DoctorID, &o.OrderDate, &o.MedicineRecordID)
			}); err != nil {
			return fmt.Errorf("read service orders: %w", err)
		}
		if c.Items, err = queryAll(ctx, q, `SELECT id, service_order_id, service_id, doctor_id FROM service_order_item`,
			func(row pgx.Rows) (ServiceOrderItem, error) {
				var it ServiceOrderItem
				return it, row.Scan(&it.ID, &it.ServiceOrderID, &it.ServiceID, &it.DoctorID)
			}); err != nil {
			return fmt.Errorf("read service order items: %w", err)
		}
		if c.Results, err = queryAll(ctx, q, `SELECT id, service_order_item_id, result_description, created_at FROM service_result`,
			func(row pgx.Rows) (ServiceResult, error) {
				var res ServiceResult
				return res, row.Scan(&res.ID, &res.ServiceOrderItemID, &res.ResultDescription, &res.CreatedAt)
			}); err != nil {
			return fmt.Errorf("read service results: %w", err)
		}
		if c.Diagnoses, err = queryAll(ctx, q, `SELECT id, medicine_record_id, doctor_id, disease, treatment_plan, conclusion, created_at FROM diagnosis`,
			func(row pgx.Rows) (Diagnosis, error) {
				var d Diagnosis
				return d, row.Scan(&d.ID, &d.MedicineRecordID, &d.DoctorID, &d.Disease, &d.TreatmentPlan, &d.Conclusion, &d.CreatedAt)
			}); err != nil {
			return fmt.Errorf("read diagnoses: %w", err)
		}
		return nil
	}

	if q := db.TxFromContext(ctx); q != nil {
		if err := read(ctx, q); err != nil {
			return nil, err
		}
		return NewSnapshot(c), nil
	}
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return read(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return NewSnapshot(c), nil
}

func queryAll[T any](ctx context.Context, q querier, sql string, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// -- Saga journal --

const runCols = `id, operation, idempotency_key, payload_hash, subject_id, status, failed_step, error, steps, started_at, finished_at`

func (r *repoPG) CreateRun(ctx context.Context, run *SagaRun) error {
	run.ID = uuid.New()
	steps, err := json.Marshal(stepsOrEmpty(run.Steps))
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO saga_run (id, operation, idempotency_key, payload_hash, subject_id, status, failed_step, error, steps, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		RETURNING started_at`,
		run.ID, run.Operation, run.IdempotencyKey, run.PayloadHash, run.SubjectID, string(run.Status),
		run.FailedStep, run.Error, steps, nullTime(run.StartedAt),
	).Scan(&run.StartedAt)
	return pgErr("create saga run", err)
}

func (r *repoPG) UpdateRun(ctx context.Context, run *SagaRun) error {
	steps, err := json.Marshal(stepsOrEmpty(run.Steps))
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE saga_run SET status = $2, failed_step = $3, error = $4, steps = $5, finished_at = $6
		WHERE id = $1`,
		run.ID, string(run.Status), run.FailedStep, run.Error, steps, run.FinishedAt)
	if err != nil {
		return pgErr("update saga run", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saga run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func scanRun(row pgx.Row) (*SagaRun, error) {
	var (
		run    SagaRun
		status string
		steps  []byte
	)
	if err := row.Scan(&run.ID, &run.Operation, &run.IdempotencyKey, &run.PayloadHash, &run.SubjectID, &status,
		&run.FailedStep, &run.Error, &steps, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	return &run, nil
}

func (r *repoPG) GetRun(ctx context.Context, id uuid.UUID) (*SagaRun, error) {
	run, err := scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM saga_run WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("saga run "+id.String(), err)
	}
	return run, nil
}

func (r *repoPG) GetRunByKey(ctx context.Context, key string) (*SagaRun, error) {
	run, err := scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM saga_run WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, pgErr(fmt.Sprintf("saga run with key %q", key), err)
	}
	return run, nil
}

func (r *repoPG) ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]*SagaRun, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM saga_run WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total); err != nil {
		return nil, 0, pgErr("count saga runs", err)
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM saga_run
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, pgErr("list saga runs", err)
	}
	defer rows.Close()
	var out []*SagaRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

func stepsOrEmpty(s []StepLog) []StepLog {
	if s == nil {
		return []StepLog{}
	}
	return s
}
