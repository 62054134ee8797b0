package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"

	"github.com/canarai/canaryd/internal/queue/streams"
)

type fakeAlerter struct {
	siteCalls     []SiteAlertPayload
	providerCalls []ProviderAlertPayload
}

func (f *fakeAlerter) FireForEvent(_ context.Context, siteID, eventType string, payload map[string]interface{}) (int, error) {
	f.siteCalls = append(f.siteCalls, SiteAlertPayload{SiteID: siteID, EventType: eventType, Payload: payload})
	return 1, nil
}

func (f *fakeAlerter) FireProviderAlert(_ context.Context, family, eventType string, payload map[string]interface{}) (bool, error) {
	f.providerCalls = append(f.providerCalls, ProviderAlertPayload{AgentFamily: family, EventType: eventType, Payload: payload})
	return true, nil
}

func newTestProcessor(alerter Alerter) *Processor {
	return NewProcessor(log.New(os.Stdout, "[TEST] ", log.LstdFlags), alerter, nil, "", nil, nil)
}

func TestHandleAlertDispatch(t *testing.T) {
	alerter := &fakeAlerter{}
	proc := newTestProcessor(alerter)

	msg := streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      streams.EventAlertDispatch,
			PayloadVersion: "v1",
			Data:           json.RawMessage(`{"site_id":"site-1","event_type":"visit.agent_detected","payload":{"visit_id":"v-1"}}`),
		},
	}
	if err := proc.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerter.siteCalls) != 1 {
		t.Fatalf("expected 1 site alert, got %d", len(alerter.siteCalls))
	}
	call := alerter.siteCalls[0]
	if call.SiteID != "site-1" || call.EventType != "visit.agent_detected" {
		t.Fatalf("unexpected call: %#v", call)
	}
	if call.Payload["visit_id"] != "v-1" {
		t.Fatalf("payload not forwarded: %#v", call.Payload)
	}
}

func TestHandleProviderAlert(t *testing.T) {
	alerter := &fakeAlerter{}
	proc := newTestProcessor(alerter)

	msg := streams.Message{
		ID: "1-1",
		Envelope: streams.Envelope{
			EventID:        "evt-2",
			EventType:      streams.EventProviderAlert,
			PayloadVersion: "v1",
			Data:           json.RawMessage(`{"agent_family":"openai","event_type":"agent.critical_failure","payload":{"test_id":"CAN-0002"}}`),
		},
	}
	if err := proc.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerter.providerCalls) != 1 {
		t.Fatalf("expected 1 provider alert, got %d", len(alerter.providerCalls))
	}
	if alerter.providerCalls[0].AgentFamily != "openai" {
		t.Fatalf("unexpected call: %#v", alerter.providerCalls[0])
	}
}

func TestHandleUnknownEventType(t *testing.T) {
	proc := newTestProcessor(&fakeAlerter{})
	msg := streams.Message{
		ID: "1-2",
		Envelope: streams.Envelope{
			EventID:        "evt-3",
			EventType:      "agent.unknown",
			PayloadVersion: "v1",
			Data:           json.RawMessage(`{}`),
		},
	}
	if err := proc.handle(context.Background(), msg); err == nil {
		t.Fatalf("unknown event type must error")
	}
}
