package worker

import (
	"context"
	"fmt"

	"github.com/canarai/canaryd/internal/queue/streams"
)

// Enqueuer publishes alert jobs to the dispatch stream so delivery
// happens off the ingest request path.
type Enqueuer struct {
	publisher *streams.Publisher
	stream    string
}

func NewEnqueuer(pub *streams.Publisher, stream string) *Enqueuer {
	if stream == "" {
		stream = streams.AlertStream
	}
	return &Enqueuer{publisher: pub, stream: stream}
}

func (e *Enqueuer) NotifySite(ctx context.Context, siteID, eventType string, payload map[string]interface{}) error {
	if e.publisher == nil {
		return fmt.Errorf("publisher not configured")
	}
	job := map[string]interface{}{
		"site_id":    siteID,
		"event_type": eventType,
		"payload":    payload,
	}
	_, err := e.publisher.PublishRaw(ctx, e.stream, streams.EventAlertDispatch, "v1", job)
	return err
}

func (e *Enqueuer) NotifyProvider(ctx context.Context, family, eventType string, payload map[string]interface{}) error {
	if e.publisher == nil {
		return fmt.Errorf("publisher not configured")
	}
	job := map[string]interface{}{
		"agent_family": family,
		"event_type":   eventType,
		"payload":      payload,
	}
	_, err := e.publisher.PublishRaw(ctx, e.stream, streams.EventProviderAlert, "v1", job)
	return err
}
