// Package notify fans contract timeline messages out to interested parties.
package notify

import (
	"context"
	"log/slog"

	"github.com/smartjects/platform/internal/metrics"
)

// LogNotifier writes contract messages to the structured log. Used when no
// realtime hub is running (tests, one-shot tools).
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) ContractMessage(_ context.Context, contractID, text string) {
	n.logger.Info("contract message", "contract_id", contractID, "text", text)
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
}

// HubNotifier broadcasts contract messages to WebSocket subscribers.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier wraps a hub as a notifier.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) ContractMessage(_ context.Context, contractID, text string) {
	n.hub.BroadcastMessage(contractID, text)
	metrics.NotificationsTotal.WithLabelValues("broadcast").Inc()
}
