package order

import (
	"context"
	"time"

	"github.com/smallbiznis/caisse/internal/order/repository"
	"github.com/smallbiznis/caisse/internal/order/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

var Module = fx.Module("order.source",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewSource),
)

// ConsumerModule polls the order_events outbox. Processes that only serve
// reads or run the scheduler leave it out.
var ConsumerModule = fx.Module("order.consumer",
	fx.Provide(service.NewConsumer),
	fx.Provide(service.AsDomain),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *service.Consumer, log *zap.Logger) {
	log = log.Named("order.consumer")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(pollInterval)
				defer ticker.Stop()

				for {
					if n, err := consumer.ProcessPending(ctx); err != nil {
						log.Error("order.consumer.poll_failed", zap.Int("settled", n), zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
