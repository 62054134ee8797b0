package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/canarai/canaryd/internal/store"
)

// Signature and routing headers attached to every outgoing webhook.
const (
	HeaderSignature = "X-Canary-Signature"
	HeaderEvent     = "X-Canary-Event"
	HeaderDelivery  = "X-Canary-Delivery"
)

// Fields stripped from provider-facing payloads. Providers learn about
// their own agents' behavior, never about the sites observing them.
var providerPrivateFields = []string{"site_id", "page_url", "ip_hash", "visit_id"}

// Dispatcher signs and posts webhook payloads, recording one delivery
// row per attempt. It never retries inline: failed attempts get a
// next_retry_at and are left for an external sweeper.
type Dispatcher struct {
	store      *store.Store
	client     *http.Client
	logger     *log.Logger
	maxRetries int
}

func NewDispatcher(st *store.Store, timeout time.Duration, maxRetries int) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Dispatcher{
		store:      st,
		client:     &http.Client{Timeout: timeout},
		logger:     log.New(log.Writer(), "[ALERTING] ", log.LstdFlags),
		maxRetries: maxRetries,
	}
}

// Dispatch delivers one event to one webhook and persists the attempt.
// The returned delivery carries the response status (nil when the target
// was unreachable) and the retry schedule; a non-nil error means the
// attempt could not be made or recorded at all.
func (d *Dispatcher) Dispatch(ctx context.Context, w store.Webhook, eventType string, payload map[string]interface{}) (store.WebhookDelivery, error) {
	return d.dispatchAttempt(ctx, w, eventType, payload, 1)
}

func (d *Dispatcher) dispatchAttempt(ctx context.Context, w store.Webhook, eventType string, payload map[string]interface{}, attempt int) (store.WebhookDelivery, error) {
	alertMetricsOnce.Do(initAlertMetrics)

	body, err := json.Marshal(payload)
	if err != nil {
		return store.WebhookDelivery{}, fmt.Errorf("marshal payload: %w", err)
	}

	delivery := store.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: w.ID,
		EventType: eventType,
		Payload:   body,
		Attempt:   attempt,
	}

	status, postErr := d.post(ctx, w.URL, w.Secret, eventType, delivery.ID, body)
	delivery.StatusCode = status
	failed := postErr != nil || *status >= http.StatusBadRequest

	switch {
	case postErr != nil:
		// Unreachable target: flat two-minute backoff.
		if attempt < d.maxRetries {
			retry := time.Now().Add(2 * time.Minute)
			delivery.NextRetryAt = &retry
		}
		d.logger.Printf("webhook %s unreachable: %v", w.ID, postErr)
	case *status >= http.StatusBadRequest:
		// Rejected: exponential backoff in minutes, doubling per attempt.
		if attempt < d.maxRetries {
			retry := time.Now().Add(time.Duration(math.Pow(2, float64(attempt))) * time.Minute)
			delivery.NextRetryAt = &retry
		}
		d.logger.Printf("webhook %s rejected event %s with status %d", w.ID, eventType, *status)
	}

	if webhookDispatches != nil {
		webhookDispatches.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event", eventType)))
	}
	if failed && webhookFailures != nil {
		webhookFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event", eventType)))
	}

	if err := d.store.InsertWebhookDelivery(ctx, delivery); err != nil {
		return delivery, fmt.Errorf("record delivery: %w", err)
	}
	return delivery, nil
}

func (d *Dispatcher) post(ctx context.Context, url, secret, eventType, deliveryID string, body []byte) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signBody(secret, body))
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	return &status, nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FireForEvent fans an event out to every enabled webhook of the site
// that subscribes to it. Failed deliveries are recorded and logged;
// one bad target never blocks the others.
func (d *Dispatcher) FireForEvent(ctx context.Context, siteID, eventType string, payload map[string]interface{}) (int, error) {
	hooks, err := d.store.ListEnabledWebhooks(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}
	fired := 0
	for _, w := range hooks {
		if !subscribed(w.Events, eventType) {
			continue
		}
		if _, err := d.Dispatch(ctx, w, eventType, payload); err != nil {
			d.logger.Printf("dispatch to webhook %s: %v", w.ID, err)
			continue
		}
		fired++
	}
	return fired, nil
}

// FireProviderAlert notifies the verified provider behind an agent
// family. The payload is scrubbed of site-identifying fields before
// signing; no delivery row is written because provider endpoints are
// registered on the provider, not on a site webhook.
func (d *Dispatcher) FireProviderAlert(ctx context.Context, family, eventType string, payload map[string]interface{}) (bool, error) {
	prov, ok, err := d.store.GetVerifiedProvider(ctx, family)
	if err != nil {
		return false, fmt.Errorf("resolve provider: %w", err)
	}
	if !ok || prov.WebhookURL == nil || prov.WebhookSecret == nil {
		return false, nil
	}
	if !subscribed(prov.WebhookEvents, eventType) {
		return false, nil
	}

	scrubbed := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		scrubbed[k] = v
	}
	for _, f := range providerPrivateFields {
		delete(scrubbed, f)
	}

	body, err := json.Marshal(scrubbed)
	if err != nil {
		return false, fmt.Errorf("marshal provider payload: %w", err)
	}
	status, err := d.post(ctx, *prov.WebhookURL, *prov.WebhookSecret, eventType, uuid.NewString(), body)
	if err != nil {
		d.logger.Printf("provider %s unreachable: %v", prov.Family, err)
		return false, nil
	}
	if *status >= http.StatusBadRequest {
		d.logger.Printf("provider %s rejected event %s with status %d", prov.Family, eventType, *status)
		return false, nil
	}
	return true, nil
}

// SendTest delivers a synthetic event so site operators can verify
// their endpoint and signature handling.
func (d *Dispatcher) SendTest(ctx context.Context, w store.Webhook) (store.WebhookDelivery, error) {
	payload := map[string]interface{}{
		"event":      store.EventWebhookTest,
		"webhook_id": w.ID,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	}
	return d.Dispatch(ctx, w, store.EventWebhookTest, payload)
}

func subscribed(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
