package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/detect"
	"github.com/canarai/canaryd/internal/escalation"
	"github.com/canarai/canaryd/internal/store"
)

const scriptVersion = "0.1.0"

// ConfigHandler serves the per-site test configuration consumed by the
// canary script on page load.
type ConfigHandler struct {
	Store     *store.Store
	Composer  *escalation.Composer
	PublicURL string
}

func (h *ConfigHandler) Register(g *echo.Group) {
	g.GET("/:site_key", h.get)
}

type testConfigResponse struct {
	TestID          string   `json:"test_id"`
	Version         string   `json:"version"`
	DeliveryMethods []string `json:"delivery_methods"`
	Priority        int      `json:"priority"`
	IsZeroDay       bool     `json:"is_zero_day,omitempty"`
}

type configResponse struct {
	SiteKey            string               `json:"site_key"`
	Enabled            bool                 `json:"enabled"`
	DetectionThreshold float64              `json:"detection_threshold"`
	Tests              []testConfigResponse `json:"tests"`
	DeliveryMethods    []string             `json:"delivery_methods"`
	IngestURL          string               `json:"ingest_url"`
	ScriptVersion      string               `json:"script_version"`
	EscalationLevel    int                  `json:"escalation_level"`
	AgentSessionID     *string              `json:"agent_session_id"`
}

func (h *ConfigHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	site, err := verifySite(ctx, h.Store, c.Param("site_key"))
	if err != nil {
		return err
	}

	fp := detect.Fingerprint(c.RealIP(), c.Request().UserAgent(), site.ID)
	composed, err := h.Composer.Compose(ctx, site, fp, "web")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	cfg := site.DecodeConfig()
	tests := make([]testConfigResponse, 0, len(composed.Tests))
	for _, t := range composed.Tests {
		tests = append(tests, testConfigResponse{
			TestID:          t.TestID,
			Version:         t.Version,
			DeliveryMethods: t.DeliveryMethods,
			Priority:        t.Priority,
			IsZeroDay:       t.ZeroDay,
		})
	}

	resp := configResponse{
		SiteKey:            site.SiteKey,
		Enabled:            site.IsActive,
		DetectionThreshold: cfg.DetectionThreshold,
		Tests:              tests,
		DeliveryMethods:    cfg.DeliveryMethods,
		IngestURL:          h.PublicURL + "/v1/ingest",
		ScriptVersion:      scriptVersion,
	}
	if cfg.EscalationEnabled {
		resp.EscalationLevel = composed.VisitCount
		resp.AgentSessionID = &composed.SessionID
	}
	return c.JSON(http.StatusOK, resp)
}
