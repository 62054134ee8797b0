package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/alerting"
	"github.com/canarai/canaryd/internal/store"
)

// WebhooksHandler manages a site's alert targets. Mounted under
// /sites/:id so every operation is scoped to the owning site.
type WebhooksHandler struct {
	Store      *store.Store
	Dispatcher *alerting.Dispatcher
}

func (h *WebhooksHandler) Register(g *echo.Group) {
	g.POST("/:id/webhooks", h.create)
	g.GET("/:id/webhooks", h.list)
	g.DELETE("/:id/webhooks/:webhook_id", h.delete)
	g.POST("/:id/webhooks/:webhook_id/test", h.test)
}

type webhookCreateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookResponse struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	// Secret is returned only on creation.
	Secret string `json:"secret,omitempty"`
}

func webhookFromStore(w store.Webhook, includeSecret bool) webhookResponse {
	resp := webhookResponse{
		ID:        w.ID,
		SiteID:    w.SiteID,
		URL:       w.URL,
		Events:    w.Events,
		Enabled:   w.Enabled,
		CreatedAt: w.CreatedAt,
	}
	if includeSecret {
		resp.Secret = w.Secret
	}
	return resp
}

func (h *WebhooksHandler) create(c echo.Context) error {
	var req webhookCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	ctx := c.Request().Context()
	siteID := c.Param("id")
	if _, found, err := h.Store.GetSite(ctx, siteID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !found {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}

	webhook, err := h.Store.CreateWebhook(ctx, store.Webhook{
		SiteID: siteID,
		URL:    req.URL,
		Events: req.Events,
		Secret: randomHex(32),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, webhookFromStore(webhook, true))
}

func (h *WebhooksHandler) list(c echo.Context) error {
	webhooks, err := h.Store.ListWebhooks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]webhookResponse, 0, len(webhooks))
	for _, w := range webhooks {
		out = append(out, webhookFromStore(w, false))
	}
	return c.JSON(http.StatusOK, out)
}

// resolve loads a webhook and checks it belongs to the site in the path.
func (h *WebhooksHandler) resolve(c echo.Context) (store.Webhook, error) {
	webhook, found, err := h.Store.GetWebhook(c.Request().Context(), c.Param("webhook_id"))
	if err != nil {
		return store.Webhook{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found || webhook.SiteID != c.Param("id") {
		return store.Webhook{}, echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return webhook, nil
}

func (h *WebhooksHandler) delete(c echo.Context) error {
	webhook, err := h.resolve(c)
	if err != nil {
		return err
	}
	if err := h.Store.DeleteWebhook(c.Request().Context(), webhook.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type webhookTestResponse struct {
	Success    bool `json:"success"`
	StatusCode *int `json:"status_code"`
}

func (h *WebhooksHandler) test(c echo.Context) error {
	webhook, err := h.resolve(c)
	if err != nil {
		return err
	}
	delivery, err := h.Dispatcher.SendTest(c.Request().Context(), webhook)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	success := delivery.StatusCode != nil && *delivery.StatusCode < 400
	return c.JSON(http.StatusOK, webhookTestResponse{Success: success, StatusCode: delivery.StatusCode})
}
