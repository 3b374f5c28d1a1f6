package migration

import (
	"strings"

	"github.com/smallbiznis/caisse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		dbType := strings.ToLower(strings.TrimSpace(cfg.DBType))
		if err := Migrate(conn, dbType); err != nil {
			return err
		}
		log.Named("migration").Info("migration.applied", zap.String("type", dbType))
		return nil
	}),
)
