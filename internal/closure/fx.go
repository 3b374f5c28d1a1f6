package closure

import (
	"github.com/smallbiznis/caisse/internal/closure/repository"
	"github.com/smallbiznis/caisse/internal/closure/service"
	"go.uber.org/fx"
)

var Module = fx.Module("closure.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
