package entitlements

import "go.uber.org/fx"

var Module = fx.Module("entitlements",
	fx.Provide(NewClient),
)
