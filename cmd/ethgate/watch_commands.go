package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

func watchCommands() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Manage addresses the gateway syncs history for",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Start syncing an address",
				ArgsUsage: "ADDRESS",
				Flags: []cli.Flag{
					timeoutFlag(),
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Sync interval (default: the gateway's)",
					},
					&cli.Int64Flag{
						Name:  "start-height",
						Usage: "Ignore history below this block",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: address")
					}
					w, err := newClient(c, c.Duration("timeout")).Watch(c.Context, c.Args().First(), c.Duration("interval"), c.Int64("start-height"))
					if err != nil {
						return fmt.Errorf("failed to watch address: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, w)
					}
					fmt.Printf("✓ Watching %s on %s every %v\n", w.Address, w.Network, w.SyncInterval)
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "Stop syncing an address",
				ArgsUsage: "ADDRESS",
				Flags:     []cli.Flag{timeoutFlag()},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: address")
					}
					if err := newClient(c, c.Duration("timeout")).Unwatch(c.Context, c.Args().First()); err != nil {
						return fmt.Errorf("failed to unwatch address: %w", err)
					}
					fmt.Printf("✓ Stopped watching %s\n", c.Args().First())
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show a watched address",
				ArgsUsage: "ADDRESS",
				Flags:     []cli.Flag{timeoutFlag()},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: address")
					}
					w, err := newClient(c, c.Duration("timeout")).GetWatch(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get watch: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, w)
					}
					fmt.Printf("Address:       %s\n", w.Address)
					fmt.Printf("Network:       %s\n", w.Network)
					fmt.Printf("Status:        %s\n", w.Status)
					fmt.Printf("Sync Interval: %v\n", w.SyncInterval)
					fmt.Printf("Last Height:   %d\n", w.LastHeight)
					fmt.Printf("Last Sync:     %s\n", formatOptionalTime(w.LastSyncTime))
					return nil
				},
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List watched addresses",
				Flags:   []cli.Flag{timeoutFlag()},
				Action: func(c *cli.Context) error {
					watches, err := newClient(c, c.Duration("timeout")).ListWatches(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list watches: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, watches)
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ADDRESS\tSTATUS\tINTERVAL\tLAST HEIGHT\tLAST SYNC")
					for _, watch := range watches {
						fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\n",
							watch.Address,
							watch.Status,
							watch.SyncInterval,
							watch.LastHeight,
							formatOptionalTime(watch.LastSyncTime),
						)
					}
					w.Flush()
					fmt.Fprintf(os.Stderr, "\nTotal: %d watches\n", len(watches))
					return nil
				},
			},
			{
				Name:      "history",
				Usage:     "List stored transactions of a watched address",
				ArgsUsage: "ADDRESS",
				Flags: []cli.Flag{
					timeoutFlag(),
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Value:   50,
						Usage:   "Maximum number of transactions to show",
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Number of transactions to skip",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: address")
					}
					txns, err := newClient(c, c.Duration("timeout")).History(c.Context, c.Args().First(), c.Int("limit"), c.Int("offset"))
					if err != nil {
						return fmt.Errorf("failed to list history: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, txns)
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "HEIGHT\tTX ID\tFROM\tVALUE\tBLOCK TIME")
					for _, t := range txns {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.BlockHeight, t.TxID, t.From, t.Value, formatOptionalTime(t.BlockTime))
					}
					w.Flush()
					fmt.Fprintf(os.Stderr, "\nShowing: %d transactions\n", len(txns))
					return nil
				},
			},
		},
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
