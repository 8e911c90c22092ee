package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/temporal"
)

const schedulePrefix = "sync-address-"

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List history sync schedules",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include schedules that do not sync an address",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ids, err := scheduleIDs(c, tc)
			if err != nil {
				return err
			}
			if !c.Bool("all") {
				filtered := ids[:0]
				for _, id := range ids {
					if strings.HasPrefix(id, schedulePrefix) {
						filtered = append(filtered, id)
					}
				}
				ids = filtered
			}

			if wantsJSON(c) {
				return outputJSON(c, ids)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tNETWORK\tADDRESS")
			for _, id := range ids {
				network, address, _ := parseScheduleID(id)
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, network, address)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(ids))
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe the sync schedule of an address",
		Aliases:   []string{"desc"},
		ArgsUsage: "<address|schedule-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address or schedule ID")
			}
			scheduleID := resolveScheduleID(c, c.Args().First())

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			handle := tc.SDKClient().ScheduleClient().GetHandle(c.Context, scheduleID)
			desc, err := handle.Describe(c.Context)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Printf("Schedule ID:    %s\n", scheduleID)
			fmt.Printf("State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Printf("Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Printf("\nWorkflow:\n")
				fmt.Printf("  Workflow:     %v\n", wa.Workflow)
				fmt.Printf("  Task Queue:   %s\n", wa.TaskQueue)
			}

			if len(desc.Schedule.Spec.Intervals) > 0 {
				fmt.Printf("\nSchedule Spec:\n")
				for i, interval := range desc.Schedule.Spec.Intervals {
					fmt.Printf("  Interval %d:   Every %v\n", i+1, interval.Every)
				}
			}

			fmt.Printf("\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Printf("Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Printf("Next Action:    %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a sync schedule (use for orphaned schedules)",
		ArgsUsage: "<address|schedule-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip the confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address or schedule ID")
			}
			scheduleID := resolveScheduleID(c, c.Args().First())

			if !c.Bool("yes") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", scheduleID)
				answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if strings.TrimSpace(strings.ToLower(answer)) != "yes" {
					fmt.Println("Aborted")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			handle := tc.SDKClient().ScheduleClient().GetHandle(c.Context, scheduleID)
			if err := handle.Delete(c.Context); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}
			fmt.Printf("✓ Schedule deleted: %s\n", scheduleID)
			return nil
		},
	}
}

func syncNowCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync-now",
		Usage:     "Run one history sync for an address and wait for the result",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the sync",
				Value: 5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address := normalizeCLIAddress(c.Args().First())

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := signalContext(c.Context)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration("timeout"))
			defer cancelTimeout()

			result, err := tc.SyncNow(ctx, c.String("network"), address)
			if err != nil {
				return err
			}

			if wantsJSON(c) {
				return outputJSON(c, result)
			}

			switch {
			case result.Unwatched:
				fmt.Printf("Address %s is not watched on %s\n", address, result.Network)
			case result.Paused:
				fmt.Printf("Watch %s is paused; nothing synced\n", address)
			default:
				fmt.Printf("✓ Synced %s from block %d\n", address, result.FromHeight)
				fmt.Printf("  Fetched:      %d\n", result.TransactionCount)
				fmt.Printf("  Written:      %d\n", result.Written)
				fmt.Printf("  Skipped:      %d\n", result.Skipped)
				fmt.Printf("  Cursor:       %d\n", result.CursorHeight)
				fmt.Printf("  Chain height: %d\n", result.ChainHeight)
			}
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Check for inconsistencies between watches and Temporal schedules",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "fix",
				Usage: "Create missing schedules and delete orphaned ones",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			network := c.String("network")
			watches, err := store.ListWatches(c.Context, network)
			if err != nil {
				return fmt.Errorf("failed to list watches: %w", err)
			}
			ids, err := scheduleIDs(c, tc)
			if err != nil {
				return err
			}

			report := reconcile(network, watches, ids)

			fmt.Printf("Reconciliation Report:\n")
			fmt.Printf("  Watches in DB: %d\n", len(watches))
			fmt.Printf("  Schedules in Temporal: %d\n", len(ids))
			fmt.Printf("\n")

			if len(report.missing) > 0 {
				fmt.Printf("⚠ Watches missing schedules (%d):\n", len(report.missing))
				for _, w := range report.missing {
					fmt.Printf("  - %s (every %v)\n", w.Address, w.SyncInterval)
				}
			} else {
				fmt.Printf("✓ All active watches have schedules\n")
			}

			if len(report.orphaned) > 0 {
				fmt.Printf("\n⚠ Orphaned schedules (%d):\n", len(report.orphaned))
				for _, id := range report.orphaned {
					fmt.Printf("  - %s\n", id)
				}
			} else {
				fmt.Printf("✓ No orphaned schedules\n")
			}

			if report.clean() {
				return nil
			}
			if !c.Bool("fix") {
				fmt.Printf("\nTo fix these issues, run: ethgate temporal reconcile --fix\n")
				return nil
			}

			fmt.Printf("\nFixing inconsistencies...\n")
			for _, w := range report.missing {
				if err := tc.UpsertWatchSchedule(c.Context, w.Network, w.Address, w.SyncInterval); err != nil {
					fmt.Printf("  ✗ Failed to create schedule for %s: %v\n", w.Address, err)
					continue
				}
				fmt.Printf("  ✓ Created schedule for %s\n", w.Address)
			}
			for _, id := range report.orphaned {
				if err := tc.SDKClient().ScheduleClient().GetHandle(c.Context, id).Delete(c.Context); err != nil {
					fmt.Printf("  ✗ Failed to delete schedule %s: %v\n", id, err)
					continue
				}
				fmt.Printf("  ✓ Deleted orphaned schedule %s\n", id)
			}
			fmt.Printf("\nReconciliation complete!\n")
			return nil
		},
	}
}

type reconcileReport struct {
	missing  []*db.Watch
	orphaned []string
}

func (r reconcileReport) clean() bool {
	return len(r.missing) == 0 && len(r.orphaned) == 0
}

// reconcile compares the watches of network with the schedule ids found in
// Temporal. Active watches need a schedule. A sync schedule of network whose
// address is not watched is orphaned; paused watches keep theirs.
func reconcile(network string, watches []*db.Watch, ids []string) reconcileReport {
	scheduled := make(map[string]bool, len(ids))
	for _, id := range ids {
		scheduled[id] = true
	}
	watched := make(map[string]bool, len(watches))

	var report reconcileReport
	for _, w := range watches {
		watched[w.Address] = true
		if w.Status != db.WatchActive {
			continue
		}
		if !scheduled[temporal.ScheduleID(w.Network, w.Address)] {
			report.missing = append(report.missing, w)
		}
	}

	for _, id := range ids {
		n, address, ok := parseScheduleID(id)
		if !ok || n != network {
			continue
		}
		if !watched[address] {
			report.orphaned = append(report.orphaned, id)
		}
	}
	sort.Strings(report.orphaned)
	return report
}

// parseScheduleID splits a sync schedule id into its network and address.
// Network names may contain dashes; addresses never do.
func parseScheduleID(id string) (network, address string, ok bool) {
	rest, found := strings.CutPrefix(id, schedulePrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// resolveScheduleID accepts either a full schedule id or an address of the
// selected network.
func resolveScheduleID(c *cli.Context, arg string) string {
	if strings.HasPrefix(arg, schedulePrefix) {
		return arg
	}
	return temporal.ScheduleID(c.String("network"), normalizeCLIAddress(arg))
}

func scheduleIDs(c *cli.Context, tc *temporal.Client) ([]string, error) {
	iter, err := tc.SDKClient().ScheduleClient().List(c.Context, client.ScheduleListOptions{
		PageSize: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	var ids []string
	for iter.HasNext() {
		schedule, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate schedules: %w", err)
		}
		ids = append(ids, schedule.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "ethgate-history-sync"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return temporal.NewClient(host, namespace, taskQueue, logger)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
