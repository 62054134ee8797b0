package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/ratelimit"
	"github.com/canarai/canaryd/internal/store"
)

// ProvidersHandler manages the agent vendor registry. Registration is
// rate limited per client IP; alerts only flow to verified providers.
type ProvidersHandler struct {
	Store   *store.Store
	Limiter *ratelimit.Limiter
}

func (h *ProvidersHandler) Register(g *echo.Group) {
	g.POST("", h.register)
	g.GET("", h.list)
	g.POST("/:id/verify", h.verify)
}

type providerRegisterRequest struct {
	Family        string   `json:"family"`
	Name          string   `json:"name"`
	ContactEmail  string   `json:"contact_email"`
	WebhookURL    *string  `json:"webhook_url"`
	WebhookEvents []string `json:"webhook_events"`
}

type providerResponse struct {
	ID            string    `json:"id"`
	Family        string    `json:"family"`
	Name          string    `json:"name"`
	ContactEmail  string    `json:"contact_email"`
	WebhookURL    *string   `json:"webhook_url"`
	WebhookEvents []string  `json:"webhook_events"`
	IsVerified    bool      `json:"is_verified"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	// WebhookSecret is returned only on registration.
	WebhookSecret *string `json:"webhook_secret,omitempty"`
}

func providerFromStore(p store.AgentProvider, includeSecret bool) providerResponse {
	resp := providerResponse{
		ID:            p.ID,
		Family:        p.Family,
		Name:          p.Name,
		ContactEmail:  p.ContactEmail,
		WebhookURL:    p.WebhookURL,
		WebhookEvents: p.WebhookEvents,
		IsVerified:    p.IsVerified,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
	}
	if includeSecret {
		resp.WebhookSecret = p.WebhookSecret
	}
	return resp
}

func (h *ProvidersHandler) register(c echo.Context) error {
	if !h.Limiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	var req providerRegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Family == "" || req.Name == "" || req.ContactEmail == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "family, name and contact_email are required")
	}

	ctx := c.Request().Context()
	if _, found, err := h.Store.GetProviderByFamily(ctx, req.Family); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if found {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("agent family %q is already registered", req.Family))
	}

	provider := store.AgentProvider{
		Family:        req.Family,
		Name:          req.Name,
		ContactEmail:  req.ContactEmail,
		WebhookURL:    req.WebhookURL,
		WebhookEvents: req.WebhookEvents,
	}
	if req.WebhookURL != nil && *req.WebhookURL != "" {
		secret := randomHex(32)
		provider.WebhookSecret = &secret
	}
	created, err := h.Store.CreateProvider(ctx, provider)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, providerFromStore(created, true))
}

func (h *ProvidersHandler) list(c echo.Context) error {
	providers, err := h.Store.ListProviders(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerFromStore(p, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ProvidersHandler) verify(c echo.Context) error {
	err := h.Store.SetProviderVerified(c.Request().Context(), c.Param("id"), true)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "provider not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
