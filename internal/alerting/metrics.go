package alerting

import (
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	alertMetricsOnce  sync.Once
	webhookDispatches otelmetric.Int64Counter
	webhookFailures   otelmetric.Int64Counter
)

func initAlertMetrics() {
	meter := otel.Meter("canaryd/alerting")
	var err error
	webhookDispatches, err = meter.Int64Counter(
		"webhook_dispatches_total",
		otelmetric.WithDescription("Webhook delivery attempts"),
	)
	if err != nil {
		log.Printf("alerting metrics init: webhook_dispatches_total: %v", err)
	}
	webhookFailures, err = meter.Int64Counter(
		"webhook_failures_total",
		otelmetric.WithDescription("Webhook delivery attempts that were rejected or unreachable"),
	)
	if err != nil {
		log.Printf("alerting metrics init: webhook_failures_total: %v", err)
	}
}
