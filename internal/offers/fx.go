package offers

import (
	"github.com/serpco/storefront/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("offers",
	fx.Provide(func(cfg config.Config) (*Catalog, error) {
		return Load(cfg.OffersPath)
	}),
)
