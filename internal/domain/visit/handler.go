package visit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/pagination"
)

// IdempotencyKeyHeader carries the client's idempotency key for saga
// operations.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	saga      *Saga
	worklists *Worklists
	tieBreak  TieBreak
}

func NewHandler(saga *Saga, worklists *Worklists, defaultTieBreak TieBreak) *Handler {
	if defaultTieBreak == "" {
		defaultTieBreak = TieBreakFirst
	}
	return &Handler{saga: saga, worklists: worklists, tieBreak: defaultTieBreak}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/waitlist/:id", h.GetWaitlistEntry)
	readGroup.GET("/waitlist/:id/stage", h.GetStage)
	readGroup.GET("/worklists", h.GetBoard)
	readGroup.GET("/worklists/:stage", h.ListWorklist)
	readGroup.GET("/saga-runs", h.ListRuns)
	readGroup.GET("/saga-runs/:id", h.GetRun)

	intake := api.Group("", auth.RequireRole("admin", "registrar", "nurse"))
	intake.POST("/waitlist", h.CheckIn)

	clinical := api.Group("", auth.RequireRole("admin", "physician"))
	clinical.POST("/visits/:waitlist_id/exam", h.AdvanceFromExam)
	clinical.POST("/visits/:waitlist_id/services", h.AssignServices)
	clinical.POST("/service-items/:id/result", h.RecordServiceResult)
	clinical.POST("/service-orders/:id/diagnosis", h.RecordDiagnosis)
	clinical.POST("/visits/:waitlist_id/prescription", h.SubmitPrescription)
	clinical.POST("/visits/:waitlist_id/complete", h.SkipPrescription)
}

// -- Reads --

func (h *Handler) GetWaitlistEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.saga.WaitlistEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetStage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sel, err := h.selector(c)
	if err != nil {
		return err
	}
	cl, err := h.worklists.Classify(c.Request().Context(), id, sel)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) GetBoard(c echo.Context) error {
	sel, err := h.selector(c)
	if err != nil {
		return err
	}
	b, err := h.worklists.Board(c.Request().Context(), sel)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListWorklist(c echo.Context) error {
	sel, err := h.selector(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q := WorklistQuery{Selector: sel, Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("room_id"); v != "" {
		roomID, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid room_id")
		}
		q.RoomID = &roomID
	}
	items, total, err := h.worklists.List(c.Request().Context(), c.Param("stage"), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := RunStatus(c.QueryParam("status"))
	switch status {
	case "", RunRunning, RunSucceeded, RunFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	runs, total, err := h.saga.ListRuns(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.saga.GetRun(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// -- Writes --

type checkInRequest struct {
	PatientID     uuid.UUID  `json:"patient_id"`
	RoomID        *uuid.UUID `json:"room_id"`
	EstimatedTime time.Time  `json:"estimated_time"`
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req checkInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.saga.CheckIn(c.Request().Context(), req.PatientID, req.RoomID, req.EstimatedTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

type examRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	ExamForm
}

func (h *Handler) AdvanceFromExam(c echo.Context) error {
	waitlistID, err := uuid.Parse(c.Param("waitlist_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid waitlist_id")
	}
	var req examRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.DoctorID = actingDoctor(c, req.DoctorID)
	run, err := h.saga.AdvanceFromExam(c.Request().Context(), req.PatientID, waitlistID, req.ExamForm, runOpts(c)...)
	return respondRun(c, run, err)
}

type servicesRequest struct {
	PatientID  uuid.UUID          `json:"patient_id"`
	DoctorID   uuid.UUID          `json:"doctor_id"`
	Selections []ServiceSelection `json:"selections"`
}

func (h *Handler) AssignServices(c echo.Context) error {
	waitlistID, err := uuid.Parse(c.Param("waitlist_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid waitlist_id")
	}
	var req servicesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.saga.AssignServices(c.Request().Context(), req.PatientID, waitlistID,
		actingDoctor(c, req.DoctorID), req.Selections, runOpts(c)...)
	return respondRun(c, run, err)
}

type resultRequest struct {
	ResultDescription string `json:"result_description"`
}

func (h *Handler) RecordServiceResult(c echo.Context) error {
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.saga.RecordServiceResult(c.Request().Context(), itemID, req.ResultDescription, runOpts(c)...)
	return respondRun(c, run, err)
}

func (h *Handler) RecordDiagnosis(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var form DiagnosisForm
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	form.DoctorID = actingDoctor(c, form.DoctorID)
	run, err := h.saga.RecordDiagnosis(c.Request().Context(), orderID, form, runOpts(c)...)
	return respondRun(c, run, err)
}

func (h *Handler) SubmitPrescription(c echo.Context) error {
	waitlistID, err := uuid.Parse(c.Param("waitlist_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid waitlist_id")
	}
	var req PrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.WaitlistID = waitlistID
	req.DoctorID = actingDoctor(c, req.DoctorID)
	run, err := h.saga.SubmitPrescription(c.Request().Context(), req, runOpts(c)...)
	return respondRun(c, run, err)
}

func (h *Handler) SkipPrescription(c echo.Context) error {
	waitlistID, err := uuid.Parse(c.Param("waitlist_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid waitlist_id")
	}
	run, err := h.saga.SkipPrescription(c.Request().Context(), waitlistID, runOpts(c)...)
	return respondRun(c, run, err)
}

// -- helpers --

func (h *Handler) selector(c echo.Context) (Selector, error) {
	sel := Selector{TieBreak: h.tieBreak}
	if v := c.QueryParam("tie_break"); v != "" {
		tb, err := ParseTieBreak(v)
		if err != nil {
			return sel, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		sel.TieBreak = tb
	}
	for param, dst := range map[string]*uuid.UUID{"doctor_id": &sel.DoctorID, "order_id": &sel.OrderID} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return sel, echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = id
		}
	}
	return sel, nil
}

// actingDoctor falls back to the authenticated user when the request names
// no doctor.
func actingDoctor(c echo.Context, id uuid.UUID) uuid.UUID {
	if id != uuid.Nil {
		return id
	}
	return auth.UserUUIDFromContext(c.Request().Context())
}

func runOpts(c echo.Context) []RunOption {
	if key := c.Request().Header.Get(IdempotencyKeyHeader); key != "" {
		return []RunOption{WithIdempotencyKey(key)}
	}
	return nil
}

func respondRun(c echo.Context, run *SagaRun, err error) error {
	if err != nil {
		var df *DependencyFailure
		if errors.As(err, &df) && run != nil && !errors.Is(err, ErrConflict) {
			return c.JSON(http.StatusBadGateway, map[string]interface{}{
				"message": err.Error(),
				"step":    df.Step,
				"run":     run,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// httpError maps domain errors to HTTP errors.
func httpError(err error) error {
	var (
		ve *ValidationError
		ie *InconsistentSnapshot
		df *DependencyFailure
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &ie),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrAmbiguousEpisode):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &df):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
