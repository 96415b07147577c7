// Package nango integrates event sources brokered by Nango: the webhook
// forward envelope arriving on the shared intake route, the capability
// records for Nango-backed products, and the API client used for connection
// credentials and proxied polling.
package nango

import (
	"encoding/json"
	"fmt"
)

type (
	// Webhook is the envelope Nango wraps around forwarded product
	// webhooks. Payload carries the product's original body.
	Webhook struct {
		From              string         `json:"from"`
		Type              string         `json:"type"`
		ConnectionID      string         `json:"connectionId"`
		ProviderConfigKey string         `json:"providerConfigKey"`
		Payload           map[string]any `json:"payload"`
	}
)

const (
	// Route is the intake route name for Nango deliveries.
	Route = "nango"

	// ProviderPrefix prefixes Nango product keys to form registry ids:
	// provider config key "linear" registers as "nango-linear".
	ProviderPrefix = "nango-"

	// forwardType marks envelopes that carry a product webhook. Other
	// envelope types (auth lifecycle, sync results) carry no occurrences.
	forwardType = "forward"
)

// ParseWebhook decodes the Nango forward envelope.
func ParseWebhook(payload []byte) (Webhook, error) {
	var hook Webhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return Webhook{}, fmt.Errorf("decode nango webhook: %w", err)
	}
	return hook, nil
}

// Forward reports whether the envelope carries a product webhook.
func (w Webhook) Forward() bool {
	return w.Type == "" || w.Type == forwardType
}

// RegistryID maps a Nango provider config key to the trigger provider
// registry id interpreting its deliveries.
func RegistryID(providerConfigKey string) string {
	return ProviderPrefix + providerConfigKey
}
