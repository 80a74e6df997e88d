package takehome

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist", "counselor", "compliance_officer"))
	readGroup.GET("/takehome/orders", h.ListOrders)
	readGroup.GET("/takehome/orders/:id", h.GetOrder)
	readGroup.GET("/compliance/holds", h.ListHolds)

	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	writeGroup.POST("/takehome/orders", h.CreateOrder)

	reviewGroup := api.Group("", auth.RequireRole("admin", "physician", "medical_director"))
	reviewGroup.PATCH("/takehome/orders/:id", h.ReviewOrder)

	holdGroup := api.Group("", auth.RequireRole("admin", "physician", "counselor", "compliance_officer"))
	holdGroup.POST("/compliance/holds", h.OpenHold)
	holdGroup.POST("/compliance/holds/:id/close", h.CloseHold)
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req OrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.CreatedBy = auth.UserIDFromContext(c.Request().Context())

	order, err := h.svc.CreateOrder(c.Request().Context(), &req)
	if err != nil {
		var ee *EligibilityError
		var ve *ValidationError
		switch {
		case errors.As(err, &ee):
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":   "patient is not eligible for take-home doses",
				"reasons": ee.Reasons,
			})
		case errors.As(err, &ve):
			return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "take-home order creation failed")
		}
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	order, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "take-home order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrders(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type reviewRequest struct {
	Status string `json:"status"`
}

func (h *Handler) ReviewOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	reviewer := auth.UserIDFromContext(c.Request().Context())
	order, err := h.svc.Review(c.Request().Context(), id, req.Status, reviewer)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
		case errors.Is(err, pgx.ErrNoRows):
			return echo.NewHTTPError(http.StatusNotFound, "take-home order not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "review failed")
		}
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) OpenHold(c echo.Context) error {
	var hold ComplianceHold
	if err := c.Bind(&hold); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if hold.OpenedBy == "" {
		hold.OpenedBy = auth.UserIDFromContext(c.Request().Context())
	}
	if err := h.svc.OpenHold(c.Request().Context(), &hold); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "opening hold failed")
	}
	return c.JSON(http.StatusCreated, hold)
}

func (h *Handler) CloseHold(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.CloseHold(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context())); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "open hold not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "closing hold failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListHolds(c echo.Context) error {
	var patientID uuid.UUID
	if raw := c.QueryParam("patient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHolds(c.Request().Context(), patientID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
