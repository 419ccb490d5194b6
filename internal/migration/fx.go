package migration

import (
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	"github.com/lexfabric/veredix/internal/config"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	webhookdomain "github.com/lexfabric/veredix/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		return AutoMigrate(conn)
	}),
)

// AutoMigrate covers the non-postgres dialects used for development and tests.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&creditdomain.WorkspaceCredits{},
		&creditdomain.CreditAllocation{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditHold{},
		&webhookdomain.ProcessedRequest{},
		&analysisdomain.CaseMovement{},
	)
}
