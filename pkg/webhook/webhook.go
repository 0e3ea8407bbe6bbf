// Package webhook fans channel-deletion notifications out to configured
// HTTP endpoints. Each call is a detached, fire-and-forget task: the
// sweeper and broker never wait on webhook delivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
)

// Hook names recognized in configuration.
const (
	HookOnChannelDeleted = "on-channel-deleted"
)

// Target is one configured webhook: a name (from the config key), the hook
// it fires on, and the endpoint it is POSTed to.
type Target struct {
	Name     string
	Hook     string
	Endpoint string
}

// deletedPayload is the JSON body POSTed for HookOnChannelDeleted.
type deletedPayload struct {
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher holds the configured webhook targets and fans out events to
// them without blocking its caller.
type Dispatcher struct {
	mu      sync.RWMutex
	targets []Target
	client  *http.Client
}

// NewDispatcher creates a Dispatcher with the given configured targets.
func NewDispatcher(targets []Target) *Dispatcher {
	return &Dispatcher{
		targets: append([]Target(nil), targets...),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyChannelDeleted fires HookOnChannelDeleted to every matching target,
// one detached goroutine per call.
func (d *Dispatcher) NotifyChannelDeleted(channelID string) {
	d.mu.RLock()
	targets := d.targets
	d.mu.RUnlock()

	payload := deletedPayload{ChannelID: channelID, Timestamp: time.Now()}
	body, err := json.Marshal(payload)
	if err != nil {
		log.WithComponent("webhook").Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	for _, target := range targets {
		if target.Hook != HookOnChannelDeleted {
			continue
		}
		go d.deliver(target, body)
	}
}

func (d *Dispatcher) deliver(target Target, body []byte) {
	logger := log.WithComponent("webhook")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookCallsTotal.WithLabelValues(target.Name, "error").Inc()
		logger.Warn().Err(err).Str("webhook", target.Name).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookCallsTotal.WithLabelValues(target.Name, "error").Inc()
		logger.Warn().Err(err).Str("webhook", target.Name).Str("endpoint", target.Endpoint).Msg("webhook call failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.WebhookCallsTotal.WithLabelValues(target.Name, "error").Inc()
		logger.Warn().Str("webhook", target.Name).Int("status", resp.StatusCode).Msg("webhook call returned non-2xx")
		return
	}

	metrics.WebhookCallsTotal.WithLabelValues(target.Name, "ok").Inc()
}
