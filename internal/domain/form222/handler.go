package form222

import (
	"errors"
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
	readGroup := api.Group("", auth.RequireRole("admin", "pharmacist", "physician", "compliance_officer"))
	readGroup.GET("/form-222", h.List)
	readGroup.GET("/form-222/:id", h.Get)
	readGroup.GET("/form-222/:id/lines", h.ListLines)

	writeGroup := api.Group("", auth.RequireRole("admin", "pharmacist"))
	writeGroup.POST("/form-222", h.Issue)
	writeGroup.POST("/form-222/:id/void", h.Void)
}

func (h *Handler) Issue(c echo.Context) error {
	var req IssueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SignedBy == "" {
		req.SignedBy = auth.UserIDFromContext(c.Request().Context())
	}

	result, err := h.svc.Issue(c.Request().Context(), &req)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
		case errors.Is(err, ErrUnauthorizedSigner):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "form issuance failed")
		}
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	form, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	expiringSoon := c.QueryParam("expiring_soon") == "true"
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("status"), expiringSoon, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListLines(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	lines, err := h.svc.ListLines(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, lines)
}

func (h *Handler) Void(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	form, err := h.svc.Void(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
		}
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	}
	return c.JSON(http.StatusOK, form)
}
