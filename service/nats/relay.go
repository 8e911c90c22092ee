package nats

import (
	"context"
	"log/slog"

	"github.com/brojonat/ethgate/service/engine"
)

// BlockRelay forwards a network's block events to a Publisher.
type BlockRelay struct {
	network   string
	publisher Publisher
	logger    *slog.Logger
}

// NewBlockRelay creates a relay for network.
func NewBlockRelay(network string, publisher Publisher, logger *slog.Logger) *BlockRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockRelay{network: network, publisher: publisher, logger: logger}
}

// Run publishes every event received on sub until ctx is done or the
// subscription is closed. It unsubscribes on return.
func (r *BlockRelay) Run(ctx context.Context, sub *engine.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-sub.C:
			if !ok {
				return
			}
			if err := r.publisher.PublishBlock(ctx, FromBlock(r.network, b)); err != nil {
				r.logger.WarnContext(ctx, "failed to publish block event",
					"network", r.network,
					"height", b.Height,
					"error", err,
				)
			}
		}
	}
}
