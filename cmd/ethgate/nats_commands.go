package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/ethgate/service/nats"
)

func consumerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "durable",
			Aliases: []string{"d"},
			Usage:   "Create a durable consumer (survives restarts)",
		},
		&cli.StringFlag{
			Name:  "consumer-name",
			Usage: "Consumer name (required for durable)",
			Value: "ethgate-cli",
		},
		&cli.BoolFlag{
			Name:  "all",
			Usage: "Replay every retained message instead of only new ones",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "Exit after this many events (0 = run until interrupted)",
		},
	}
}

// subscribeCommand tails transaction events for one watched address or all of them.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transaction events of watched addresses",
		ArgsUsage: "[address]",
		Description: `Stream transaction events published to the TRANSACTIONS JetStream stream.

Events for an address are published to txns.{address}. Without an address
every watched address is streamed.

Example:
  ethgate nats subscribe 0x742d35cc6634c0532925a3b844bc454e4438f44e --json`,
		Flags: consumerFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("accepts at most one argument: address")
			}
			subject := natspkg.TransactionSubject("*")
			if c.NArg() == 1 {
				subject = natspkg.TransactionSubject(normalizeCLIAddress(c.Args().First()))
			}

			count := 0
			return consumeStream(c, natspkg.TransactionStream, subject, func(data []byte) error {
				var event natspkg.TransactionEvent
				if err := json.Unmarshal(data, &event); err != nil {
					return err
				}
				count++
				if wantsJSON(c) {
					return writeJSON(os.Stdout, c.String("jq"), event)
				}
				printTransactionEvent(count, &event)
				return nil
			})
		},
	}
}

// blocksCommand tails the block events of the selected network.
func blocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "blocks",
		Usage: "Subscribe to block events of the network",
		Description: `Stream block events published to the BLOCKS JetStream stream.

The gateway publishes one event per observed block to blocks.{network}.

Example:
  ethgate --network sepolia nats blocks -n 3`,
		Flags: consumerFlags(),
		Action: func(c *cli.Context) error {
			subject := natspkg.BlockSubject(c.String("network"))
			return consumeStream(c, natspkg.BlockStream, subject, func(data []byte) error {
				var event natspkg.BlockEvent
				if err := json.Unmarshal(data, &event); err != nil {
					return err
				}
				if wantsJSON(c) {
					return writeJSON(os.Stdout, c.String("jq"), event)
				}
				fmt.Printf("%-10d %s  %s\n", event.Height, event.Hash, event.PublishedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

// inspectStreamCommand shows information about the ethgate JetStream streams.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect-stream",
		Usage:     "Inspect a JetStream stream",
		ArgsUsage: "[TRANSACTIONS|BLOCKS]",
		Description: `Show message count, consumers, storage usage and configuration of a stream.

Example:
  ethgate nats inspect-stream BLOCKS`,
		Action: func(c *cli.Context) error {
			name := natspkg.TransactionStream
			if c.NArg() > 0 {
				name = strings.ToUpper(c.Args().First())
			}

			_, js, closer, err := connectJetStream(c)
			if err != nil {
				return err
			}
			defer closer()

			stream, err := js.Stream(c.Context, name)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantsJSON(c) {
				return outputJSON(c, info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}

// consumeStream creates a consumer on stream filtered to subject and calls
// handle with every message until interrupted or --count is reached.
// Messages handle cannot decode are reported and acked.
func consumeStream(c *cli.Context, stream, subject string, handle func([]byte) error) error {
	_, js, closer, err := connectJetStream(c)
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if c.Bool("all") {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if c.Bool("durable") {
		cfg.Durable = c.String("consumer-name")
		cfg.Name = c.String("consumer-name")
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !wantsJSON(c) {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s (stream %s)\n", subject, stream)
		fmt.Fprintf(os.Stderr, "Waiting for events... (Ctrl-C to exit)\n\n")
	}

	msgs := make(chan jetstream.Msg, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	limit := c.Int("count")
	received := 0
	for {
		select {
		case msg := <-msgs:
			if err := handle(msg.Data()); err != nil {
				fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
			} else {
				received++
			}
			_ = msg.Ack()
			if limit > 0 && received >= limit {
				return nil
			}
		case <-ctx.Done():
			if !wantsJSON(c) {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", received)
			}
			return nil
		}
	}
}

func connectJetStream(c *cli.Context) (*nats.Conn, jetstream.JetStream, func(), error) {
	natsURL := c.String("nats-url")
	if natsURL == "" {
		natsURL = getEnvOrDefault("NATS_URL", nats.DefaultURL)
	}

	nc, err := nats.Connect(natsURL, nats.Name("ethgate-cli"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nc.Close, nil
}

func printTransactionEvent(n int, event *natspkg.TransactionEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Transaction #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Tx ID:        %s\n", event.TxID)
	fmt.Printf("Address:      %s\n", event.Address)
	fmt.Printf("From:         %s\n", event.From)
	fmt.Printf("To:           %s\n", strings.Join(event.To, ", "))
	if event.Value != "" {
		fmt.Printf("Value:        %s wei\n", event.Value)
	}
	fmt.Printf("Block:        %d\n", event.BlockHeight)
	if event.BlockTime != nil {
		fmt.Printf("Block Time:   %s\n", event.BlockTime.Format(time.RFC3339))
	}
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

