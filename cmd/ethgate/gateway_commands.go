package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethgate/client"
)

func gatewayCommands() *cli.Command {
	return &cli.Command{
		Name:    "gateway",
		Aliases: []string{"gw"},
		Usage:   "Query the chain through a running gateway",
		Subcommands: []*cli.Command{
			infoCommand(),
			blockCommand(),
			txCommand(),
			propagateCommand(),
			addressTxsCommand(),
			balanceCommand(),
			transferCommand(),
			rpcCommand(),
			streamBlocksCommand(),
			awaitCommand(),
		},
	}
}

func newClient(c *cli.Context, timeout time.Duration) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func timeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Request timeout",
		Value: 30 * time.Second,
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the network the gateway serves",
		Flags: []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			info, err := newClient(c, c.Duration("timeout")).Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get info: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, info)
			}
			fmt.Printf("Blockchain:   %s\n", info.Blockchain)
			fmt.Printf("Network:      %s\n", info.Network)
			fmt.Printf("Chain ID:     %d\n", info.ChainID)
			fmt.Printf("Block Height: %d\n", info.BlockHeight)
			return nil
		},
	}
}

func blockCommand() *cli.Command {
	return &cli.Command{
		Name:  "block",
		Usage: "Show the latest block the gateway observed",
		Flags: []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			b, err := newClient(c, c.Duration("timeout")).LatestBlock(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get latest block: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, b)
			}
			printBlock(b)
			return nil
		},
	}
}

func printBlock(b *client.Block) {
	fmt.Printf("Height:  %d\n", b.Height)
	fmt.Printf("Hash:    %s\n", b.Hash)
	fmt.Printf("Parent:  %s\n", b.ParentHash)
}

func txCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx",
		Usage:     "Look up a transaction by id",
		ArgsUsage: "TX_ID",
		Flags:     []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			tx, err := newClient(c, c.Duration("timeout")).Transaction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			var v interface{}
			if err := json.Unmarshal(tx, &v); err != nil {
				return fmt.Errorf("failed to decode transaction: %w", err)
			}
			return outputJSON(c, v)
		},
	}
}

func propagateCommand() *cli.Command {
	return &cli.Command{
		Name:      "propagate",
		Usage:     "Broadcast a signed raw transaction",
		ArgsUsage: "RAW_HEX",
		Flags:     []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: raw transaction hex")
			}
			txid, err := newClient(c, c.Duration("timeout")).Propagate(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to propagate transaction: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, map[string]string{"txid": txid})
			}
			fmt.Printf("✓ Transaction propagated: %s\n", txid)
			return nil
		},
	}
}

func addressTxsCommand() *cli.Command {
	return &cli.Command{
		Name:      "txs",
		Usage:     "Fetch the merged ledger history of one or more addresses",
		ArgsUsage: "ADDRESS [ADDRESS...]",
		Flags: []cli.Flag{
			timeoutFlag(),
			&cli.Uint64Flag{
				Name:  "min-height",
				Usage: "Only include transactions at or above this block",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one address is required")
			}
			recs, err := newClient(c, c.Duration("timeout")).AddressTransactions(c.Context, c.Args().Slice(), c.Uint64("min-height"))
			if err != nil {
				return fmt.Errorf("failed to fetch transactions: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, recs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HEIGHT\tTX ID\tFROM\tTO\tVALUE\tCONFIRMATIONS")
			for _, r := range recs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
					r.BlockHeight,
					r.TxID,
					strings.Join(r.From.Addresses, ","),
					strings.Join(r.To.Addresses, ","),
					r.Value,
					r.Confirmations,
				)
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(recs))
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show the balance of an address in wei",
		ArgsUsage: "ADDRESS",
		Flags:     []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := c.Args().First()
			bal, err := newClient(c, c.Duration("timeout")).Balance(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, map[string]string{"address": address, "balance": bal.String()})
			}
			fmt.Printf("%s wei (%s ETH)\n", bal.String(), formatEther(bal))
			return nil
		},
	}
}

// formatEther renders wei as a decimal ether amount.
func formatEther(wei *big.Int) string {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(1e18))
	return f.Text('f', 6)
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Send value from the gateway's wallet",
		Flags: []cli.Flag{
			timeoutFlag(),
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount in wei",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "gas-price",
				Usage: "Starting gas price in wei (default: the gateway's suggestion)",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "Hex call data",
			},
		},
		Action: func(c *cli.Context) error {
			amount, ok := new(big.Int).SetString(c.String("amount"), 10)
			if !ok {
				return fmt.Errorf("invalid --amount %q: must be a decimal wei amount", c.String("amount"))
			}
			t := client.Transfer{To: c.String("to"), Amount: amount, Data: c.String("data")}
			if gp := c.String("gas-price"); gp != "" {
				price, ok := new(big.Int).SetString(gp, 10)
				if !ok {
					return fmt.Errorf("invalid --gas-price %q: must be a decimal wei amount", gp)
				}
				t.GasPrice = price
			}

			res, err := newClient(c, c.Duration("timeout")).Transfer(c.Context, t)
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, res)
			}
			fmt.Printf("✓ Transfer submitted\n")
			fmt.Printf("  TX ID:     %s\n", res.TxID)
			fmt.Printf("  From:      %s\n", res.From)
			fmt.Printf("  Gas Price: %s wei\n", res.GasPrice)
			fmt.Printf("  Attempts:  %d\n", res.Attempts)
			return nil
		},
	}
}

func rpcCommand() *cli.Command {
	return &cli.Command{
		Name:      "rpc",
		Usage:     "Send a raw JSON-RPC call through the gateway",
		ArgsUsage: "METHOD [PARAM...]",
		Description: `Each PARAM is parsed as JSON when it is valid JSON and sent as a string
otherwise.

Example:
  ethgate gateway rpc eth_getBalance 0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae latest`,
		Flags: []cli.Flag{timeoutFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("method is required")
			}
			params := parseParams(c.Args().Tail())

			var result json.RawMessage
			if err := newClient(c, c.Duration("timeout")).Call(c.Context, &result, c.Args().First(), params...); err != nil {
				return err
			}
			var v interface{}
			if len(result) > 0 {
				if err := json.Unmarshal(result, &v); err != nil {
					return fmt.Errorf("failed to decode result: %w", err)
				}
			}
			return outputJSON(c, v)
		},
	}
}

func parseParams(args []string) []interface{} {
	params := make([]interface{}, 0, len(args))
	for _, a := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(a), &v); err == nil {
			params = append(params, v)
			continue
		}
		params = append(params, a)
	}
	return params
}

func streamBlocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream-blocks",
		Usage: "Stream block-changes from the gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "count",
				Usage: "Stop after this many blocks (0 = forever)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()

			limit := c.Int("count")
			seen := 0
			errDone := fmt.Errorf("done")
			err := newClient(c, 0).StreamBlocks(ctx, func(b client.Block) error {
				if wantsJSON(c) {
					if err := outputJSON(c, b); err != nil {
						return err
					}
				} else {
					fmt.Printf("block %d %s (parent %s)\n", b.Height, b.Hash, b.ParentHash)
				}
				seen++
				if limit > 0 && seen >= limit {
					return errDone
				}
				return nil
			})
			if err == errDone || err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a synced transaction matching criteria arrives",
		ArgsUsage: "ADDRESS",
		Description: `Streams newly synced transactions for a watched address and exits with
the first one that matches every filter.

Example:
  ethgate gateway await 0xabc... --must-jq '.value == "1000000000000000000"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tx-id",
				Usage: "Filter by exact transaction id",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter the transaction event must satisfy (repeatable)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the transaction",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().First()
			txID := strings.TrimPrefix(strings.ToLower(c.String("tx-id")), "0x")
			jqFilters := c.StringSlice("must-jq")
			if txID == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --tx-id or --must-jq")
			}

			filters := make([]*gojq.Code, len(jqFilters))
			for i, f := range jqFilters {
				code, err := compileJQ(f)
				if err != nil {
					return err
				}
				filters[i] = code
			}

			if !wantsJSON(c) {
				fmt.Fprintf(os.Stderr, "Waiting for transaction on %s...\n", address)
				if txID != "" {
					fmt.Fprintf(os.Stderr, "  TX ID: %s\n", txID)
				}
				for _, f := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", f)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			var match interface{}
			errFound := fmt.Errorf("found")
			err := newClient(c, 0).StreamTransactions(ctx, address, func(raw json.RawMessage) error {
				var event map[string]interface{}
				if err := json.Unmarshal(raw, &event); err != nil {
					return nil
				}
				if txID != "" && event["txid"] != txID {
					return nil
				}
				if !matchesAll(filters, event) {
					return nil
				}
				match = event
				return errFound
			})
			if err != errFound {
				if err == nil || err == context.DeadlineExceeded {
					return fmt.Errorf("no matching transaction before timeout")
				}
				return fmt.Errorf("failed to await transaction: %w", err)
			}
			return outputJSON(c, match)
		},
	}
}
