package interactions

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the advisory interaction check endpoint.
type Handler struct {
	client *Client
}

func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/interactions/check", h.Check)
}

// CheckResponse wraps the gateway result. Available is false when the
// gateway could not be reached; clients treat that as "no advisory data",
// never as a dispensing block.
type CheckResponse struct {
	Available bool         `json:"available"`
	Result    *CheckResult `json:"result,omitempty"`
}

func (h *Handler) Check(c echo.Context) error {
	var req struct {
		Medications []string `json:"medications"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Medications) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "medications is required")
	}

	result, err := h.client.Check(c.Request().Context(), req.Medications)
	if err != nil {
		// Advisory only: a dead gateway is reported, not surfaced as an error
		return c.JSON(http.StatusOK, CheckResponse{Available: false})
	}
	return c.JSON(http.StatusOK, CheckResponse{Available: true, Result: result})
}
