package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/alerting"
	"github.com/canarai/canaryd/internal/detect"
	"github.com/canarai/canaryd/internal/scoring"
	"github.com/canarai/canaryd/internal/store"
)

// Response headers set on every accepted ingest.
const (
	HeaderTested          = "X-Canary-Tested"
	HeaderClassification  = "X-Canary-Classification"
	HeaderTestsRun        = "X-Canary-Tests-Run"
	HeaderCriticalFailure = "X-Canary-Critical-Failure"
	HeaderAgentFamily     = "X-Canary-Agent-Family"
)

// IngestHandler receives detection and test-result reports from the
// canary script. This is the hot path, hit on every monitored visit.
type IngestHandler struct {
	Store        *store.Store
	Notifier     alerting.Notifier
	IPHashSecret string

	logger *log.Logger
}

func (h *IngestHandler) Register(g *echo.Group) {
	g.POST("/ingest", h.ingest)
}

type testResultData struct {
	TestID         string          `json:"test_id"`
	TestVersion    string          `json:"test_version"`
	DeliveryMethod string          `json:"delivery_method"`
	Outcome        string          `json:"outcome"`
	Evidence       json.RawMessage `json:"evidence"`
	InjectedAt     *time.Time      `json:"injected_at"`
	ObservedAt     *time.Time      `json:"observed_at"`
}

type ingestRequest struct {
	V           int                    `json:"v"`
	SiteKey     string                 `json:"site_key"`
	VisitID     string                 `json:"visit_id"`
	Timestamp   string                 `json:"timestamp"`
	PageURL     string                 `json:"page_url"`
	Detection   detect.ClientDetection `json:"detection"`
	TestResults []testResultData       `json:"test_results"`
}

type ingestResponse struct {
	Status          string `json:"status"`
	VisitID         string `json:"visit_id"`
	ResultsRecorded int    `json:"results_recorded"`
}

func (h *IngestHandler) ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.VisitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_id is required")
	}

	ctx := c.Request().Context()
	site, err := verifySite(ctx, h.Store, req.SiteKey)
	if err != nil {
		return err
	}

	userAgent := c.Request().UserAgent()
	headers := make(map[string]string, len(c.Request().Header))
	for k, v := range c.Request().Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	classification, agentFamily, confidence := detect.Classify(req.Detection, userAgent, headers)

	var ipHash *string
	if ip := c.RealIP(); ip != "" {
		hashed := detect.HashIP(ip, h.IPHashSecret)
		ipHash = &hashed
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	detection, err := json.Marshal(map[string]interface{}{
		"client":            req.Detection,
		"server_confidence": confidence,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	visit := store.Visit{
		ID:             uuid.NewString(),
		VisitID:        req.VisitID,
		SiteID:         site.ID,
		PageURL:        req.PageURL,
		Timestamp:      ts,
		UserAgent:      userAgent,
		Detection:      detection,
		Classification: classification,
		IPHash:         ipHash,
	}
	if agentFamily != "" {
		visit.AgentFamily = &agentFamily
	}
	if err := h.Store.InsertVisit(ctx, visit); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	recorded := 0
	var exfiltrated []string
	for _, tr := range req.TestResults {
		result := store.TestResult{
			ID:             uuid.NewString(),
			VisitID:        req.VisitID,
			TestID:         tr.TestID,
			TestVersion:    tr.TestVersion,
			DeliveryMethod: tr.DeliveryMethod,
			Outcome:        tr.Outcome,
			Score:          scoring.Score(tr.Outcome),
			Evidence:       tr.Evidence,
			InjectedAt:     tr.InjectedAt,
			ObservedAt:     tr.ObservedAt,
		}
		if err := h.Store.InsertTestResult(ctx, result); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		recorded++
		if tr.Outcome == scoring.OutcomeExfiltrationAttempted {
			exfiltrated = append(exfiltrated, tr.TestID)
		}
	}

	h.notify(ctx, site.ID, req, classification, agentFamily, confidence, exfiltrated)

	hdr := c.Response().Header()
	hdr.Set(HeaderTested, "true")
	hdr.Set(HeaderClassification, classification)
	hdr.Set(HeaderTestsRun, strconv.Itoa(recorded))
	if len(exfiltrated) > 0 {
		hdr.Set(HeaderCriticalFailure, "true")
	}
	if agentFamily != "" {
		hdr.Set(HeaderAgentFamily, agentFamily)
	}
	return c.JSON(http.StatusAccepted, ingestResponse{
		Status:          "accepted",
		VisitID:         req.VisitID,
		ResultsRecorded: recorded,
	})
}

// notify enqueues alert jobs for the visit. Failures are logged and
// absorbed: alert delivery never affects the ingest response.
func (h *IngestHandler) notify(ctx context.Context, siteID string, req ingestRequest, classification, agentFamily string, confidence float64, exfiltrated []string) {
	if h.Notifier == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)

	agentSeen := false
	for _, cl := range store.AgentClassifications {
		if classification == cl {
			agentSeen = true
			break
		}
	}
	if agentSeen {
		payload := map[string]interface{}{
			"event":     store.EventAgentDetected,
			"timestamp": now,
			"data": map[string]interface{}{
				"visit_id":       req.VisitID,
				"classification": classification,
				"agent_family":   agentFamily,
				"page_url":       req.PageURL,
				"confidence":     confidence,
			},
		}
		if err := h.Notifier.NotifySite(ctx, siteID, store.EventAgentDetected, payload); err != nil {
			h.logf("enqueue %s for visit %s: %v", store.EventAgentDetected, req.VisitID, err)
		}
	}

	if len(exfiltrated) == 0 {
		return
	}
	payload := map[string]interface{}{
		"event":     store.EventCriticalFailure,
		"timestamp": now,
		"data": map[string]interface{}{
			"visit_id":                req.VisitID,
			"classification":          classification,
			"agent_family":            agentFamily,
			"page_url":                req.PageURL,
			"tests_with_exfiltration": exfiltrated,
		},
	}
	if err := h.Notifier.NotifySite(ctx, siteID, store.EventCriticalFailure, payload); err != nil {
		h.logf("enqueue %s for visit %s: %v", store.EventCriticalFailure, req.VisitID, err)
	}

	if agentFamily == "" {
		return
	}
	providerPayload := map[string]interface{}{
		"event":     store.EventProviderCriticalFailed,
		"timestamp": now,
		"data": map[string]interface{}{
			"agent_family":            agentFamily,
			"classification":          classification,
			"tests_failed":            exfiltrated,
			"total_critical_failures": len(exfiltrated),
		},
	}
	if err := h.Notifier.NotifyProvider(ctx, agentFamily, store.EventProviderCriticalFailed, providerPayload); err != nil {
		h.logf("enqueue provider alert for family %s: %v", agentFamily, err)
	}
}

func (h *IngestHandler) logf(format string, args ...interface{}) {
	if h.logger == nil {
		h.logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	h.logger.Printf(format, args...)
}
