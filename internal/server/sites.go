package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/store"
)

// SitesHandler manages the site registry.
type SitesHandler struct {
	Store *store.Store
}

func (h *SitesHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
}

type siteCreateRequest struct {
	Domain      string          `json:"domain"`
	Environment string          `json:"environment"`
	Config      json.RawMessage `json:"config"`
}

type siteUpdateRequest struct {
	Config   json.RawMessage `json:"config"`
	IsActive *bool           `json:"is_active"`
}

type siteResponse struct {
	ID        string          `json:"id"`
	SiteKey   string          `json:"site_key"`
	Domain    string          `json:"domain"`
	Config    json.RawMessage `json:"config"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

func siteFromStore(s store.Site) siteResponse {
	return siteResponse{
		ID:        s.ID,
		SiteKey:   s.SiteKey,
		Domain:    s.Domain,
		Config:    s.Config,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
	}
}

// generateSiteKey produces a key like ca_live_<hex> or ca_test_<hex>.
func generateSiteKey(environment string) string {
	prefix := "ca_live"
	if environment == "test" {
		prefix = "ca_test"
	}
	return prefix + "_" + randomHex(12)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (h *SitesHandler) create(c echo.Context) error {
	var req siteCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain is required")
	}
	site, err := h.Store.CreateSite(c.Request().Context(), generateSiteKey(req.Environment), req.Domain, req.Config)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, siteFromStore(site))
}

func (h *SitesHandler) get(c echo.Context) error {
	site, found, err := h.Store.GetSite(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}
	return c.JSON(http.StatusOK, siteFromStore(site))
}

func (h *SitesHandler) update(c echo.Context) error {
	var req siteUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, found, err := h.Store.GetSite(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !found {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}

	if len(req.Config) > 0 {
		if err := h.Store.UpdateSiteConfig(ctx, id, req.Config); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	if req.IsActive != nil {
		if err := h.Store.SetSiteActive(ctx, id, *req.IsActive); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	site, _, err := h.Store.GetSite(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, siteFromStore(site))
}
