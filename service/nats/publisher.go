package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/ethgate/service/metrics"
)

// Publisher defines the interface for publishing ledger events to NATS.
type Publisher interface {
	// PublishTransaction publishes a single transaction event to JetStream.
	// The event is published to the subject "txns.{address}".
	PublishTransaction(ctx context.Context, event *TransactionEvent) error

	// PublishTransactionBatch publishes multiple transaction events.
	PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error

	// PublishBlock publishes a block event to "blocks.{network}".
	PublishBlock(ctx context.Context, event *BlockEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes ledger events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

const (
	// TransactionStream holds transaction events for watched addresses.
	TransactionStream = "TRANSACTIONS"

	// BlockStream holds block-change events.
	BlockStream = "BLOCKS"

	// StreamRetention is how long transaction messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour

	// BlockRetention is how long block events are retained.
	BlockRetention = 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures both streams exist.
func NewPublisher(natsURL string, logger *slog.Logger, m *metrics.Metrics) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("ethgate-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	streams := []jetstream.StreamConfig{
		{
			Name:        TransactionStream,
			Description: "Transaction events for watched addresses",
			Subjects:    []string{"txns.*"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      StreamRetention,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        BlockStream,
			Description: "Block-change events per network",
			Subjects:    []string{"blocks.*"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      BlockRetention,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
	}
	for _, cfg := range streams {
		if err := publisher.ensureStream(cfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
		}
	}

	logger.Info("NATS publisher initialized", "url", natsURL)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream(cfg jetstream.StreamConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, cfg.Name)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", cfg.Name,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", cfg.Name)

	if _, err := p.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", cfg.Name)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, v any) error {
	start := time.Now()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishTransaction publishes a single transaction event.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	subject := TransactionSubject(event.Address)
	if err := p.publish(ctx, subject, event); err != nil {
		return err
	}

	p.logger.DebugContext(ctx, "published transaction event",
		"subject", subject,
		"txid", event.TxID,
	)
	return nil
}

// PublishTransactionBatch publishes multiple transaction events. A failed
// event is logged and does not stop the rest of the batch.
func (p *JetStreamPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := p.PublishTransaction(ctx, event); err != nil {
			p.logger.ErrorContext(ctx, "failed to publish transaction in batch",
				"txid", event.TxID,
				"address", event.Address,
				"error", err,
			)
			continue
		}
	}

	p.logger.DebugContext(ctx, "published transaction batch", "count", len(events))
	return nil
}

// PublishBlock publishes a block event.
func (p *JetStreamPublisher) PublishBlock(ctx context.Context, event *BlockEvent) error {
	return p.publish(ctx, BlockSubject(event.Network), event)
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
