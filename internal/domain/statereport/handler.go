package statereport

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/pkg/pagination"
)

type Handler struct {
	svc *Service
	now func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: svc.now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "reporter", "compliance-officer", "viewer"))
	read.GET("/state-reports", h.List)
	read.GET("/state-reports/:id", h.Get)
	read.GET("/state-reports/:id/amendments", h.ListAmendments)

	write := api.Group("", auth.RequireRole("admin", "reporter"))
	write.POST("/state-reports", h.Create)
	write.PUT("/state-reports/:id", h.Update)
	write.POST("/state-reports/:id/validate", h.Validate)
	write.POST("/state-reports/:id/submit", h.Submit)
	write.POST("/state-reports/:id/cancel", h.Cancel)
	write.POST("/state-reports/:id/amendments", h.Amend)
	write.POST("/state-reports/:id/requeue", h.Requeue)

	// Registry callbacks arrive from an integration account.
	registry := api.Group("", auth.RequireRole("admin", "registry-integration"))
	registry.POST("/state-reports/:id/acknowledgment", h.Acknowledge)
	registry.POST("/state-reports/:id/processed", h.MarkProcessed)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, NewView(r, h.now()))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:       SubmissionStatus(c.QueryParam("status")),
		ReportType:   ReportType(c.QueryParam("report_type")),
		RegistryType: RegistryType(c.QueryParam("registry_type")),
		Priority:     PriorityLevel(c.QueryParam("priority")),
	}
	if f.Status != "" && !IsKnownStatus(f.Status) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(NewViews(items, h.now()), total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Update(c.Request().Context(), id, &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Validate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Validate(c.Request().Context(), id)
	var verr *ValidationError
	if errors.As(err, &verr) && r != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation failed",
			"errors": verr.Errors,
			"report": NewView(r, h.now()),
		})
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req *SubmitRequest
	if c.Request().ContentLength != 0 {
		req = &SubmitRequest{}
		if err := c.Bind(req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	r, err := h.svc.Submit(c.Request().Context(), id, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req AcknowledgmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Acknowledge(c.Request().Context(), id, &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) MarkProcessed(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.MarkProcessed(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Cancel(c.Request().Context(), id, &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Requeue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Requeue(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, NewView(r, h.now()))
}

func (h *Handler) Amend(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req AmendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Amend(c.Request().Context(), id, &req)
	if err != nil {
		return h.failWith(c, err, r)
	}
	return c.JSON(http.StatusCreated, NewView(r, h.now()))
}

func (h *Handler) ListAmendments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAmendments(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(NewViews(items, h.now()), len(items), len(items), 0))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) fail(c echo.Context, err error) error {
	return h.failWith(c, err, nil)
}

// failWith maps service errors onto HTTP responses. When the operation left
// a stored report behind, r is included so the caller sees its id and state.
func (h *Handler) failWith(c echo.Context, err error, r *Report) error {
	var (
		verr  *ValidationError
		terr  *TransitionError
		subEr *SubmissionError
	)
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}
	detailed := r != nil
	switch {
	case errors.As(err, &verr):
		status, detailed = http.StatusUnprocessableEntity, true
		body = map[string]interface{}{"error": "validation failed", "errors": verr.Errors}
	case errors.As(err, &terr):
		status, detailed = http.StatusConflict, true
		body = map[string]interface{}{
			"error":           terr.Error(),
			"current_state":   terr.From,
			"requested_state": terr.To,
		}
	case errors.Is(err, ErrSubmissionInProgress), errors.Is(err, ErrStaleReport):
		status = http.StatusConflict
	case errors.As(err, &subEr):
		status, detailed = http.StatusBadGateway, true
		r = subEr.Report
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "report not found"
	case errors.Is(err, ErrNoSubmissionEndpoint), errors.Is(err, ErrInvalidEndpoint):
		status = http.StatusUnprocessableEntity
	}

	if !detailed {
		return echo.NewHTTPError(status, body["error"])
	}
	if r != nil {
		body["report"] = NewView(r, h.now())
	}
	return c.JSON(status, body)
}
