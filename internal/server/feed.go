package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/feed"
	"github.com/canarai/canaryd/internal/ratelimit"
)

// FeedHandler exposes the public aggregate feed. Rate limited per
// client IP; the underlying service handles caching and privacy.
type FeedHandler struct {
	Feed    *feed.Service
	Limiter *ratelimit.Limiter
}

func (h *FeedHandler) Register(g *echo.Group) {
	g.GET("/agents", h.agents)
	g.GET("/trends", h.trends)
}

func (h *FeedHandler) agents(c echo.Context) error {
	if !h.Limiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	data, err := h.Feed.AgentsFeed(c.Request().Context(), c.QueryParam("period"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (h *FeedHandler) trends(c echo.Context) error {
	if !h.Limiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	data, err := h.Feed.TrendsFeed(c.Request().Context(), c.QueryParam("period"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, data)
}
