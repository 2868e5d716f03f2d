package payment

import (
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/offers"
	"github.com/serpco/storefront/internal/payment/adapters"
	"github.com/serpco/storefront/internal/payment/adapters/ghl"
	"github.com/serpco/storefront/internal/payment/adapters/paypal"
	"github.com/serpco/storefront/internal/payment/adapters/stripe"
	"github.com/serpco/storefront/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(
		providePayPalAPI,
		provideRegistry,
		webhook.NewService,
	),
)

// providePayPalAPI returns nil when wallet API credentials are absent;
// the adapter then degrades per environment.
func providePayPalAPI(cfg config.Config) paypal.API {
	client := paypal.NewRESTClient(cfg.PayPal)
	if client == nil {
		return nil
	}
	return client
}

func provideRegistry(catalog *offers.Catalog, api paypal.API, log *zap.Logger) *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(catalog),
		paypal.NewFactory(catalog, api, log),
		ghl.NewFactory(catalog, log),
	)
}
