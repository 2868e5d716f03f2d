package backfill

import "go.uber.org/fx"

var Module = fx.Module("backfill",
	fx.Provide(NewService),
)
