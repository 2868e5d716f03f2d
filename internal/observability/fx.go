package observability

import (
	"github.com/serpco/storefront/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(metrics.NewDefault),
)
