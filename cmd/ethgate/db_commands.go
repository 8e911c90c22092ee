package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethgate/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Println("✓ Schema is up to date")
			return nil
		},
	}
}

func listWatchesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-watches",
		Usage:   "List watched addresses of the network",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (active, paused)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			watches, err := store.ListWatches(c.Context, c.String("network"))
			if err != nil {
				return fmt.Errorf("failed to list watches: %w", err)
			}

			if statusFilter := c.String("status"); statusFilter != "" {
				filtered := make([]*db.Watch, 0)
				for _, w := range watches {
					if w.Status == statusFilter {
						filtered = append(filtered, w)
					}
				}
				watches = filtered
			}

			if wantsJSON(c) {
				return outputJSON(c, watches)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tSTATUS\tINTERVAL\tLAST HEIGHT\tLAST SYNC\tCREATED")
			for _, watch := range watches {
				fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\t%s\n",
					watch.Address,
					watch.Status,
					watch.SyncInterval,
					watch.LastHeight,
					formatOptionalTime(watch.LastSyncTime),
					watch.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d watches\n", len(watches))
			return nil
		},
	}
}

func setWatchStatusCommand(name, status string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     fmt.Sprintf("Mark a watch %s", status),
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := normalizeCLIAddress(c.Args().First())

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			err = store.UpdateWatchStatus(c.Context, c.String("network"), address, status)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no watch for %s on %s", address, c.String("network"))
			}
			if err != nil {
				return fmt.Errorf("failed to update watch: %w", err)
			}
			fmt.Printf("✓ Watch %s is now %s\n", address, status)

			// The workflow already skips paused watches, so a schedule
			// that cannot be reached is only reported.
			tc, err := getTemporalClient(c)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: schedule left unchanged: %v\n", err)
				return nil
			}
			defer tc.Close()
			if err := tc.SetWatchSchedulePaused(c.Context, c.String("network"), address, status == db.WatchPaused); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-transactions",
		Usage:     "List stored transactions of a watched address",
		Aliases:   []string{"txs"},
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "min-height",
				Usage: "Only show transactions at or above this block",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := normalizeCLIAddress(c.Args().First())
			network := c.String("network")

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListTransactions(c.Context, db.ListTransactionsParams{
				Network:   network,
				Address:   address,
				MinHeight: c.Int64("min-height"),
				Limit:     int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to get transactions: %w", err)
			}
			total, err := store.CountTransactions(c.Context, network, address)
			if err != nil {
				return fmt.Errorf("failed to count transactions: %w", err)
			}

			if wantsJSON(c) {
				return outputJSON(c, transactions)
			}

			if len(transactions) == 0 {
				fmt.Println("No transactions found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HEIGHT\tTX ID\tFROM\tTO\tVALUE\tBLOCK TIME")
			for _, tx := range transactions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					tx.BlockHeight,
					tx.TxID,
					tx.From,
					strings.Join(tx.To, ","),
					tx.Value,
					formatOptionalTime(tx.BlockTime),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions\n", len(transactions), total)
			return nil
		},
	}
}

func pruneTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete stored transactions older than a retention period",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Retention period, e.g. 720h",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			before := time.Now().Add(-c.Duration("older-than"))
			n, err := store.DeleteTransactionsOlderThan(c.Context, before)
			if err != nil {
				return fmt.Errorf("failed to prune transactions: %w", err)
			}
			fmt.Printf("✓ Deleted %d transactions created before %s\n", n, before.Format(time.RFC3339))
			return nil
		},
	}
}

// normalizeCLIAddress converts an address to the stored form: lowercase
// without the 0x prefix.
func normalizeCLIAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	return strings.TrimPrefix(address, "0x")
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}
