package analysiscache

import (
	"github.com/lexfabric/veredix/internal/analysiscache/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analysiscache.service",
	fx.Provide(service.NewService),
)
