// Package webhook is the ingestion boundary for provider webhook
// deliveries: provider validation, signature verification, parsing, and
// dispatch into fulfillment.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/fulfillment"
	"github.com/serpco/storefront/internal/observability/metrics"
	"github.com/serpco/storefront/internal/payment/adapters"
	"github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Registry    *adapters.Registry
	Config      config.Config
	Fulfillment fulfillment.Service
	Metrics     *metrics.Metrics `optional:"true"`
	Log         *zap.Logger
}

type service struct {
	registry    *adapters.Registry
	adapterCfg  domain.AdapterConfig
	fulfillment fulfillment.Service
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func NewService(p Params) domain.Service {
	return &service{
		registry:    p.Registry,
		adapterCfg:  BuildAdapterConfig(p.Config),
		fulfillment: p.Fulfillment,
		metrics:     p.Metrics,
		log:         p.Log.Named("payment.webhook"),
	}
}

// BuildAdapterConfig flattens app configuration into the per-provider
// options adapters consume. Stripe secrets are ordered: default live,
// default test, then each aliased account's live/test pair.
func BuildAdapterConfig(cfg config.Config) domain.AdapterConfig {
	secrets := []domain.StripeSecret{}
	if cfg.Stripe.WebhookSecretLive != "" {
		secrets = append(secrets, domain.StripeSecret{
			Secret: cfg.Stripe.WebhookSecretLive,
			Mode:   domain.ModeLive,
		})
	}
	if cfg.Stripe.WebhookSecretTest != "" {
		secrets = append(secrets, domain.StripeSecret{
			Secret: cfg.Stripe.WebhookSecretTest,
			Mode:   domain.ModeTest,
		})
	}
	for _, alias := range cfg.Stripe.AccountAliases {
		pair := cfg.Stripe.AccountSecrets[alias]
		if pair.Live != "" {
			secrets = append(secrets, domain.StripeSecret{
				Secret:       pair.Live,
				Mode:         domain.ModeLive,
				AccountAlias: alias,
			})
		}
		if pair.Test != "" {
			secrets = append(secrets, domain.StripeSecret{
				Secret:       pair.Test,
				Mode:         domain.ModeTest,
				AccountAlias: alias,
			})
		}
	}

	return domain.AdapterConfig{
		Environment: cfg.Environment,
		Stripe:      domain.StripeOptions{Secrets: secrets},
		PayPal: domain.PayPalOptions{
			WebhookID:    cfg.PayPal.WebhookID,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			APIBase:      cfg.PayPal.APIBase,
		},
		GHL: domain.GHLOptions{WebhookSecret: cfg.GHL.WebhookSecret},
	}
}

func (s *service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.registry.ProviderExists(provider) {
		return domain.ErrInvalidProvider
	}
	s.metrics.RecordWebhookReceived(provider)

	adapter, err := s.registry.NewAdapter(provider, s.adapterCfg)
	if err != nil {
		s.metrics.RecordWebhookFailed(provider, "adapter_config")
		return err
	}

	// Verification comes first so a forged delivery is rejected as
	// unauthorized even when its body is also malformed.
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhookFailed(provider, "invalid_signature")
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return err
	}

	if !json.Valid(payload) {
		s.metrics.RecordWebhookFailed(provider, "invalid_payload")
		return domain.ErrInvalidPayload
	}

	parsed, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEventIgnored):
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			s.metrics.RecordWebhookProcessed(provider, "ignored")
			return nil
		case domain.IsResolutionErr(err):
			s.log.Warn("webhook event unresolvable, acknowledging",
				zap.String("provider", provider), zap.Error(err))
			s.metrics.RecordWebhookProcessed(provider, "unresolved")
			return nil
		default:
			s.metrics.RecordWebhookFailed(provider, "parse")
			return err
		}
	}

	if parsed.Failure != nil {
		if err := s.fulfillment.ProcessFailedPayment(ctx, parsed.Failure); err != nil {
			s.metrics.RecordWebhookFailed(provider, "fail_session")
			return err
		}
		s.metrics.RecordWebhookProcessed(provider, "failed_session")
		s.log.Info("payment failure processed",
			zap.String("provider", provider),
			zap.String("event_type", parsed.EventType))
		return nil
	}
	if parsed.Order == nil {
		return nil
	}

	if err := s.fulfillment.ProcessFulfilledOrder(ctx, parsed.Order); err != nil {
		s.metrics.RecordWebhookFailed(provider, "fulfillment")
		return err
	}
	s.metrics.RecordWebhookProcessed(provider, "fulfilled")
	s.log.Info("webhook event fulfilled",
		zap.String("provider", provider),
		zap.String("event_id", parsed.EventID),
		zap.String("event_type", parsed.EventType))
	return nil
}
