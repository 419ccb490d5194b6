package analysis

import (
	"github.com/lexfabric/veredix/internal/analysis/provider"
	"github.com/lexfabric/veredix/internal/analysis/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analysis.service",
	fx.Provide(provider.NewHTTPAnalyzer),
	fx.Provide(service.NewService),
)
