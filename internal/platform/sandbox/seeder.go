// Package sandbox seeds a store with a reproducible demo clinic: synthetic
// patients checked in and walked through the visit workflow by the saga, so
// every worklist has entries. It is meant for development environments,
// on-boarding and UI demos.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/visit"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of the generated clinic.
type SeedConfig struct {
	PatientCount     int   `json:"patientCount"`
	RoomCount        int   `json:"roomCount"`
	DoctorCount      int   `json:"doctorCount"`
	ServicesPerOrder int   `json:"servicesPerOrder"`
	Seed             int64 `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig with sensible demo defaults.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:     24,
		RoomCount:        3,
		DoctorCount:      4,
		ServicesPerOrder: 2,
	}
}

func (c SeedConfig) withDefaults() SeedConfig {
	d := DefaultSeedConfig()
	if c.PatientCount <= 0 {
		c.PatientCount = d.PatientCount
	}
	if c.RoomCount <= 0 {
		c.RoomCount = d.RoomCount
	}
	if c.DoctorCount <= 0 {
		c.DoctorCount = d.DoctorCount
	}
	if c.ServicesPerOrder <= 0 {
		c.ServicesPerOrder = d.ServicesPerOrder
	}
	return c
}

// Target is the workflow position a seeded patient is walked to.
type Target string

const (
	TargetAwaitingExamination       Target = Target(visit.StageAwaitingExamination)
	TargetAwaitingServiceAssignment Target = Target(visit.StageAwaitingServiceAssignment)
	TargetServicesInProgress        Target = Target(visit.StageServicesInProgress)
	TargetAwaitingDiagnosis         Target = Target(visit.StageAwaitingDiagnosis)
	TargetPendingCompletion         Target = visit.PendingCompletionList
	TargetPrescribed                Target = "prescribed"
	TargetDischarged                Target = "discharged"
)

// targets is the cycle patients are distributed over.
var targets = []Target{
	TargetAwaitingExamination,
	TargetAwaitingServiceAssignment,
	TargetServicesInProgress,
	TargetAwaitingDiagnosis,
	TargetPendingCompletion,
	TargetPrescribed,
	TargetDischarged,
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Patients int            `json:"patients"`
	ByTarget map[Target]int `json:"byTarget"`
	Runs     int            `json:"runs"`
	Duration time.Duration  `json:"duration"`
}

// ---------------------------------------------------------------------------
// Clinical text pools
// ---------------------------------------------------------------------------

var reasons = []string{
	"persistent cough", "fever for three days", "lower back pain", "headache and dizziness",
	"abdominal pain", "shortness of breath", "skin rash", "routine follow-up",
}

var symptoms = []string{
	"fatigue", "nausea", "chills", "loss of appetite", "muscle aches", "sore throat",
}

var results = []string{
	"within normal limits", "mild leukocytosis", "no acute findings", "elevated CRP",
	"negative", "borderline glucose",
}

type diagnosisDef struct {
	Disease       string
	TreatmentPlan string
	Conclusion    string
}

var diagnoses = []diagnosisDef{
	{"Acute bronchitis", "Rest, fluids, antitussive", "Expected recovery in 1-2 weeks"},
	{"Viral gastroenteritis", "Oral rehydration, bland diet", "Self-limiting"},
	{"Tension headache", "Analgesics, sleep hygiene", "Review if persisting"},
	{"Lumbar strain", "NSAIDs, physiotherapy", "Follow up in 4 weeks"},
	{"Contact dermatitis", "Topical corticosteroid", "Avoid irritant"},
}

var dosages = []string{"1 tablet twice a day", "1 tablet at night", "5 ml three times a day", "apply twice daily"}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic clinical input.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// ID returns a UUID drawn from the generator so seeded runs are repeatable.
func (g *DataGenerator) ID() uuid.UUID {
	var b [16]byte
	_, _ = g.rng.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b)
}

func (g *DataGenerator) ExamForm(doctorID uuid.UUID) visit.ExamForm {
	return visit.ExamForm{
		DoctorID:   doctorID,
		Reason:     g.pick(reasons),
		Symptoms:   g.pick(symptoms),
		VitalSigns: fmt.Sprintf("BP %d/%d, HR %d, T %.1f", 105+g.rng.Intn(40), 65+g.rng.Intn(25), 60+g.rng.Intn(40), 36.4+g.rng.Float64()*2),
	}
}

func (g *DataGenerator) Result() string { return g.pick(results) }

func (g *DataGenerator) Diagnosis() visit.DiagnosisForm {
	d := diagnoses[g.rng.Intn(len(diagnoses))]
	return visit.DiagnosisForm{Disease: d.Disease, TreatmentPlan: d.TreatmentPlan, Conclusion: d.Conclusion}
}

func (g *DataGenerator) PrescriptionLines() []visit.PrescriptionLine {
	n := 1 + g.rng.Intn(3)
	lines := make([]visit.PrescriptionLine, n)
	for i := range lines {
		lines[i] = visit.PrescriptionLine{MedicineID: g.ID(), Quantity: 1 + g.rng.Intn(30), Dosage: g.pick(dosages)}
	}
	return lines
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder walks synthetic patients through the saga.
type Seeder struct {
	saga   *visit.Saga
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewSeeder(saga *visit.Saga, logger zerolog.Logger) *Seeder {
	return &Seeder{saga: saga, logger: logger.With().Str("component", "sandbox").Logger()}
}

type clinic struct {
	gen      *DataGenerator
	rooms    []uuid.UUID
	doctors  []uuid.UUID
	services []uuid.UUID
	start    time.Time
}

// Generate checks in cfg.PatientCount patients and advances patient i to
// targets[i%len(targets)]. Seeding stops at the first failed operation.
func (s *Seeder) Generate(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	cfg = cfg.withDefaults()
	gen := NewDataGenerator(cfg.Seed)
	cl := &clinic{gen: gen, start: started.UTC().Truncate(time.Minute)}
	for i := 0; i < cfg.RoomCount; i++ {
		cl.rooms = append(cl.rooms, gen.ID())
	}
	for i := 0; i < cfg.DoctorCount; i++ {
		cl.doctors = append(cl.doctors, gen.ID())
	}
	for i := 0; i < cfg.ServicesPerOrder*2; i++ {
		cl.services = append(cl.services, gen.ID())
	}

	result := &SeedResult{ByTarget: make(map[Target]int, len(targets))}
	for i := 0; i < cfg.PatientCount; i++ {
		target := targets[i%len(targets)]
		runs, err := s.walk(ctx, cl, cfg, i, target)
		result.Runs += runs
		if err != nil {
			return result, fmt.Errorf("seed patient %d to %s: %w", i, target, err)
		}
		result.Patients++
		result.ByTarget[target]++
	}
	result.Duration = time.Since(started)
	s.logger.Info().Int("patients", result.Patients).Int("runs", result.Runs).Dur("duration", result.Duration).Msg("sandbox seeded")
	return result, nil
}

func (s *Seeder) walk(ctx context.Context, cl *clinic, cfg SeedConfig, i int, target Target) (int, error) {
	gen := cl.gen
	patientID := gen.ID()
	doctorID := cl.doctors[i%len(cl.doctors)]
	room := cl.rooms[i%len(cl.rooms)]

	entry, err := s.saga.CheckIn(ctx, patientID, &room, cl.start.Add(time.Duration(i)*10*time.Minute))
	if err != nil {
		return 0, err
	}
	if target == TargetAwaitingExamination {
		return 0, nil
	}

	runs := 0
	if _, err := s.saga.AdvanceFromExam(ctx, patientID, entry.ID, gen.ExamForm(doctorID)); err != nil {
		return runs, err
	}
	runs++
	if target == TargetAwaitingServiceAssignment {
		return runs, nil
	}

	sel := make([]visit.ServiceSelection, cfg.ServicesPerOrder)
	for j := range sel {
		sel[j] = visit.ServiceSelection{
			ServiceID: cl.services[(i+j)%len(cl.services)],
			DoctorID:  cl.doctors[(i+j+1)%len(cl.doctors)],
		}
	}
	assign, err := s.saga.AssignServices(ctx, patientID, entry.ID, doctorID, sel)
	if err != nil {
		return runs, err
	}
	runs++

	// Services in progress keeps its last item open.
	for j := range sel {
		if target == TargetServicesInProgress && j == len(sel)-1 {
			return runs, nil
		}
		itemID, ok := assign.RecordID(visit.ItemStep(j))
		if !ok {
			continue
		}
		if _, err := s.saga.RecordServiceResult(ctx, itemID, gen.Result()); err != nil {
			return runs, err
		}
		runs++
	}
	if target == TargetAwaitingDiagnosis {
		return runs, nil
	}

	orderID, _ := assign.RecordID(visit.StepCreateServiceOrder)
	recordID, _ := assign.RecordID(visit.StepCreateMedicineRecord)
	if target != TargetDischarged {
		form := gen.Diagnosis()
		form.DoctorID = doctorID
		if _, err := s.saga.RecordDiagnosis(ctx, orderID, form); err != nil {
			return runs, err
		}
		runs++
	}

	switch target {
	case TargetPrescribed:
		_, err = s.saga.SubmitPrescription(ctx, visit.PrescriptionRequest{
			WaitlistID:       entry.ID,
			ServiceOrderID:   orderID,
			MedicineRecordID: recordID,
			DoctorID:         doctorID,
			Lines:            gen.PrescriptionLines(),
		})
	case TargetDischarged:
		_, err = s.saga.SkipPrescription(ctx, entry.ID)
	default:
		return runs, nil
	}
	if err != nil {
		return runs, err
	}
	return runs + 1, nil
}

// ---------------------------------------------------------------------------
// SeedHandler
// ---------------------------------------------------------------------------

// SeedHandler exposes the seeder over HTTP. Register it only in development.
type SeedHandler struct {
	seeder *Seeder
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	var cfg SeedConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.seeder.Generate(c.Request().Context(), cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
