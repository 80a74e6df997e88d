package inventory

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caretrack/otp-server/internal/platform/auth"
	"github.com/caretrack/otp-server/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "pharmacist", "physician", "nurse", "compliance_officer"))
	readGroup.GET("/inventory", h.Summary)
	readGroup.GET("/inventory/transactions", h.ListTransactions)

	writeGroup := api.Group("", auth.RequireRole("admin", "pharmacist"))
	writeGroup.POST("/inventory", h.Apply)
}

func (h *Handler) Summary(c echo.Context) error {
	summary, err := h.svc.Summarize(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "inventory summary failed")
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) Apply(c echo.Context) error {
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RecordedBy == "" {
		req.RecordedBy = auth.UserIDFromContext(c.Request().Context())
	}

	result, err := h.svc.Apply(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	var bottleID uuid.UUID
	if raw := c.QueryParam("bottle_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid bottle_id")
		}
		bottleID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTransactions(c.Request().Context(), bottleID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
