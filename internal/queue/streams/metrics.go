package streams

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce  sync.Once
	alertJobsPublished otelmetric.Int64Counter
	providerJobsQueued otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("canaryd/queue/streams")
	var err error
	alertJobsPublished, err = meter.Int64Counter(
		"alert_jobs_published_total",
		otelmetric.WithDescription("Alert dispatch jobs published to streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: alert_jobs_published_total: %v", err)
	}
	providerJobsQueued, err = meter.Int64Counter(
		"provider_alert_jobs_published_total",
		otelmetric.WithDescription("Provider alert jobs published to streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: provider_alert_jobs_published_total: %v", err)
	}
}

func recordStreamMetrics(ctx context.Context, eventType string, payload []byte) {
	switch eventType {
	case EventAlertDispatch:
		streamMetricsOnce.Do(initStreamMetrics)
		if alertJobsPublished == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		event, _ := doc["event_type"].(string)
		alertJobsPublished.Add(contextOrBackground(ctx), 1,
			otelmetric.WithAttributes(attribute.String("event", strings.TrimSpace(event))))
	case EventProviderAlert:
		streamMetricsOnce.Do(initStreamMetrics)
		if providerJobsQueued == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		family, _ := doc["agent_family"].(string)
		providerJobsQueued.Add(contextOrBackground(ctx), 1,
			otelmetric.WithAttributes(attribute.String("agent_family", strings.TrimSpace(family))))
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
