package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/lexfabric/veredix/internal/analysis"
	"github.com/lexfabric/veredix/internal/analysiscache"
	"github.com/lexfabric/veredix/internal/clock"
	"github.com/lexfabric/veredix/internal/config"
	"github.com/lexfabric/veredix/internal/credit"
	"github.com/lexfabric/veredix/internal/logger"
	"github.com/lexfabric/veredix/internal/migration"
	"github.com/lexfabric/veredix/internal/observability/metrics"
	"github.com/lexfabric/veredix/internal/redis"
	"github.com/lexfabric/veredix/internal/scheduler"
	"github.com/lexfabric/veredix/internal/server"
	"github.com/lexfabric/veredix/internal/webhook"
	"github.com/lexfabric/veredix/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		credit.Module,
		analysiscache.Module,
		webhook.Module,
		analysis.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the process-wide ID generator. NODE_ID
// distinguishes replicas so IDs never collide across instances.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
