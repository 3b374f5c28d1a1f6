package settings

import (
	"context"

	"github.com/smallbiznis/caisse/internal/settings/domain"
	"github.com/smallbiznis/caisse/internal/settings/repository"
	"github.com/smallbiznis/caisse/internal/settings/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settings.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(seedDefaults),
)

func seedDefaults(lc fx.Lifecycle, svc domain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Seed(ctx)
		},
	})
}
