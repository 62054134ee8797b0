package alerting

import "context"

// Notifier hands alert events off for delivery. The streams-backed
// implementation queues jobs for the worker; DirectNotifier delivers
// in-process for single-binary deployments.
type Notifier interface {
	NotifySite(ctx context.Context, siteID, eventType string, payload map[string]interface{}) error
	NotifyProvider(ctx context.Context, family, eventType string, payload map[string]interface{}) error
}

// DirectNotifier dispatches through the Dispatcher without a queue.
type DirectNotifier struct {
	Dispatcher *Dispatcher
}

func (n DirectNotifier) NotifySite(ctx context.Context, siteID, eventType string, payload map[string]interface{}) error {
	_, err := n.Dispatcher.FireForEvent(ctx, siteID, eventType, payload)
	return err
}

func (n DirectNotifier) NotifyProvider(ctx context.Context, family, eventType string, payload map[string]interface{}) error {
	_, err := n.Dispatcher.FireProviderAlert(ctx, family, eventType, payload)
	return err
}
