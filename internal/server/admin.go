package server

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/store"
)

// AdminHandler manages zero-day push campaigns.
type AdminHandler struct {
	Store *store.Store
}

func (h *AdminHandler) Register(g *echo.Group) {
	g.POST("/zero-day", h.create)
	g.GET("/zero-day", h.list)
	g.DELETE("/zero-day/:id", h.deactivate)
}

type zeroDayCreateRequest struct {
	TestID       string  `json:"test_id"`
	Surface      string  `json:"surface"`
	Description  string  `json:"description"`
	ExpiresHours int     `json:"expires_hours"`
	SampleTarget int     `json:"sample_target"`
	SiteID       *string `json:"site_id"`
}

type zeroDayResponse struct {
	ID              string     `json:"id"`
	TestID          string     `json:"test_id"`
	Surface         string     `json:"surface"`
	Description     string     `json:"description"`
	SiteID          *string    `json:"site_id"`
	IsActive        bool       `json:"is_active"`
	SampleTarget    int        `json:"sample_target"`
	SampleCount     int        `json:"sample_count"`
	ExpiresAt       *time.Time `json:"expires_at"`
	ActivatedAt     time.Time  `json:"activated_at"`
	DeprioritizedAt *time.Time `json:"deprioritized_at"`
}

func zeroDayFromStore(p store.ZeroDayPush) zeroDayResponse {
	return zeroDayResponse{
		ID:              p.ID,
		TestID:          p.TestID,
		Surface:         p.Surface,
		Description:     p.Description,
		SiteID:          p.SiteID,
		IsActive:        p.IsActive,
		SampleTarget:    p.SampleTarget,
		SampleCount:     p.SampleCount,
		ExpiresAt:       p.ExpiresAt,
		ActivatedAt:     p.ActivatedAt,
		DeprioritizedAt: p.DeprioritizedAt,
	}
}

func (h *AdminHandler) create(c echo.Context) error {
	var req zeroDayCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_id is required")
	}

	push := store.ZeroDayPush{
		TestID:       req.TestID,
		Surface:      req.Surface,
		Description:  req.Description,
		SiteID:       req.SiteID,
		SampleTarget: req.SampleTarget,
	}
	if req.ExpiresHours > 0 {
		exp := time.Now().UTC().Add(time.Duration(req.ExpiresHours) * time.Hour)
		push.ExpiresAt = &exp
	}
	created, err := h.Store.CreateZeroDayPush(c.Request().Context(), push)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, zeroDayFromStore(created))
}

func (h *AdminHandler) list(c echo.Context) error {
	pushes, err := h.Store.ListZeroDayPushes(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]zeroDayResponse, 0, len(pushes))
	for _, p := range pushes {
		out = append(out, zeroDayFromStore(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) deactivate(c echo.Context) error {
	err := h.Store.DeactivateZeroDayPush(c.Request().Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "zero-day push not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
