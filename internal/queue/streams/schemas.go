package streams

import "fmt"

// Stream and event names for the alert dispatch queue.
const (
	AlertStream = "canary.alerts"
	AlertGroup  = "alert-dispatchers"

	EventAlertDispatch = "alert.dispatch"
	EventProviderAlert = "alert.provider"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventAlertDispatch,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["site_id", "event_type", "payload"],
  "properties": {
    "site_id": {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "enum": ["visit.agent_detected", "test.critical_failure", "webhook.test"]},
    "payload": {"type": "object"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventProviderAlert,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_family", "event_type", "payload"],
  "properties": {
    "agent_family": {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "enum": ["agent.critical_failure"]},
    "payload": {"type": "object"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
