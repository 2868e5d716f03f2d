package domain

import (
	"context"
	"net/http"
)

// StripeSecret is one webhook signing secret with the mode and account
// it belongs to. Verification tries secrets in order; the first match
// decides providerMode and providerAccountAlias.
type StripeSecret struct {
	Secret       string
	Mode         string
	AccountAlias string
}

type StripeOptions struct {
	Secrets []StripeSecret
}

type PayPalOptions struct {
	WebhookID    string
	ClientID     string
	ClientSecret string
	APIBase      string
	AccountAlias string
}

type GHLOptions struct {
	WebhookSecret string
}

// AdapterConfig carries everything a provider adapter needs at
// construction time. Environment gates the non-production signature
// leniency some providers allow.
type AdapterConfig struct {
	Environment string
	Stripe      StripeOptions
	PayPal      PayPalOptions
	GHL         GHLOptions
}

func (c AdapterConfig) IsProduction() bool {
	return c.Environment == "production"
}

// PaymentAdapter verifies and parses provider webhook deliveries.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte, headers http.Header) (*ParsedEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// Service ingests raw webhook deliveries.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
