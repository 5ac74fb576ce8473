package compliance

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/auth"
)

type Handler struct {
	monitor *Monitor
}

func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/compliance", auth.RequireRole("admin", "compliance-officer"))
	g.GET("/scan", h.Scan)
}

type scanResponse struct {
	ScannedAt                time.Time           `json:"scanned_at"`
	OverdueCount             int                 `json:"overdue_count"`
	HighPriorityPendingCount int                 `json:"high_priority_pending_count"`
	Overdue                  []*statereport.View `json:"overdue"`
	HighPriorityPending      []*statereport.View `json:"high_priority_pending"`
}

// Scan runs a scan on demand. It reports but does not escalate.
func (h *Handler) Scan(c echo.Context) error {
	res, err := h.monitor.Scan(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, scanResponse{
		ScannedAt:                res.ScannedAt,
		OverdueCount:             len(res.Overdue),
		HighPriorityPendingCount: len(res.HighPriorityPending),
		Overdue:                  statereport.NewViews(res.Overdue, res.ScannedAt),
		HighPriorityPending:      statereport.NewViews(res.HighPriorityPending, res.ScannedAt),
	})
}
