package archive

import (
	"github.com/smallbiznis/caisse/internal/archive/blob"
	"github.com/smallbiznis/caisse/internal/archive/repository"
	"github.com/smallbiznis/caisse/internal/archive/service"
	"github.com/smallbiznis/caisse/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("archive.service",
	fx.Provide(repository.Provide),
	fx.Provide(newBlobStore),
	fx.Provide(service.NewService),
)

func newBlobStore(cfg config.Config) (blob.Store, error) {
	return blob.NewFileStore(cfg.Archive.Dir, cfg.Archive.IOTimeout)
}
