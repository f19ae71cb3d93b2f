package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/client"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
	"github.com/spf13/cobra"
)

func newInstanceCmd() *cobra.Command {
	var api apiFlags

	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Manage instances on a running server",
	}
	api.register(cmd)

	// withClient adapts a client action into a RunE.
	var withClient clientRunner = func(fn func(*cobra.Command, *client.Client, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := api.connect(cmd.Context(), newPrompter(cmd))
			if err != nil {
				return err
			}
			return fn(cmd, c, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, _ []string) error {
			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			printInstances(cmd.OutOrStdout(), list, time.Now())
			return nil
		}),
	})

	cmd.AddCommand(newInstanceCreateCmd(withClient))

	cmd.AddCommand(
		lifecycleCmd("pause", "Pause an instance", withClient, (*client.Client).Pause),
		lifecycleCmd("resume", "Resume a paused instance", withClient, (*client.Client).Resume),
		lifecycleCmd("terminate", "Stop an instance and keep its record", withClient, (*client.Client).Terminate),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Stop an instance and delete its record",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted instance %s\n", args[0])
			return nil
		}),
	})

	var clearLogs bool
	reset := &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset session counters",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			snap, err := c.Reset(cmd.Context(), args[0], clearLogs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s: %d/%d rolls left\n", args[0], snap.RemainingRolls, snap.QuotaCapacity)
			return nil
		}),
	}
	reset.Flags().BoolVar(&clearLogs, "clear-logs", false, "also clear the instance log")
	cmd.AddCommand(reset)

	cmd.AddCommand(&cobra.Command{
		Use:   "roll <id>",
		Short: "Send one roll now",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			snap, err := c.Roll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled on %s: %d/%d rolls left\n", args[0], snap.RemainingRolls, snap.QuotaCapacity)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <id> <message...>",
		Short: "Post a message to the instance channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.Send(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sent")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "quota <id> <capacity>",
		Short: "Change the rolls per quota window",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("capacity must be a positive integer, got %q", args[1])
			}
			snap, err := c.SetQuota(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Quota for %s: %d/%d rolls left\n", args[0], snap.RemainingRolls, snap.QuotaCapacity)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "logging <id> on|off",
		Short:     "Toggle activity logging",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			if _, err := c.SetLogging(cmd.Context(), args[0], on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logging for %s: %s\n", args[0], args[1])
			return nil
		}),
	})

	var clearOnly bool
	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show recent instance log entries",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if clearOnly {
				if err := c.ClearLogs(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared logs for %s\n", args[0])
				return nil
			}
			entries, err := c.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printLogs(cmd.OutOrStdout(), entries)
			return nil
		}),
	}
	logs.Flags().BoolVar(&clearOnly, "clear", false, "clear the log instead of printing it")
	cmd.AddCommand(logs)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <id>",
		Short: "Show session statistics",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			snap, err := c.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), args[0], snap, time.Now())
			return nil
		}),
	})

	return cmd
}

type clientRunner func(fn func(*cobra.Command, *client.Client, []string) error) func(*cobra.Command, []string) error

func lifecycleCmd(action, short string, withClient clientRunner, call func(*client.Client, context.Context, string) (*supervisor.Info, error)) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			info, err := call(c, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s is %s\n", info.ID, info.State)
			return nil
		}),
	}
}

func newInstanceCreateCmd(withClient clientRunner) *cobra.Command {
	var req supervisor.CreateRequest

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create and start an instance",
		Long: "Registers a new instance for an account token in one channel. The token is " +
			"read from --token, DISCORD_TOKEN, or prompted for.",
		Args: cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			req.ID = args[0]
			if req.Token == "" {
				req.Token = os.Getenv("DISCORD_TOKEN")
			}
			if req.Token == "" {
				tok, err := newPrompter(cmd).secret("Account token: ")
				if err != nil {
					return err
				}
				req.Token = tok
			}
			info, err := c.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created instance %s (channel %s, token %s)\n", info.ID, info.ChannelID, info.Token)
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.ChannelID, "channel", "", "channel ID to roll in (required)")
	cmd.Flags().StringVar(&req.Token, "token", "", "account token (env DISCORD_TOKEN)")
	cmd.Flags().BoolVar(&req.Logging, "logging", false, "enable activity logging")
	cmd.Flags().IntVar(&req.QuotaCapacity, "capacity", 0, "rolls per quota window (default from config)")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func printInstances(out io.Writer, list []supervisor.Info, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No instances.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCHANNEL\tUSER\tROLLS\tCLAIMS\tNEXT ROLL")
	for _, info := range list {
		user := "-"
		if info.Identity != nil {
			user = info.Identity.Tag()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			info.ID, info.State, info.ChannelID, user,
			info.RemainingRolls, info.QuotaCapacity, len(info.Stats.ClaimedNames),
			untilLabel(info.NextRollAt, now))
	}
	w.Flush()
}

func printStats(out io.Writer, id string, snap *roller.Snapshot, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Instance:\t%s\n", id)
	fmt.Fprintf(w, "State:\t%s\n", snap.State)
	if snap.Identity != nil {
		fmt.Fprintf(w, "User:\t%s\n", snap.Identity.Tag())
	}
	fmt.Fprintf(w, "Rolls left:\t%d/%d\n", snap.RemainingRolls, snap.QuotaCapacity)
	fmt.Fprintf(w, "Next roll:\t%s\n", untilLabel(snap.NextRollAt, now))
	if snap.ResetMinute >= 0 {
		fmt.Fprintf(w, "Reset minute:\t:%02d\n", snap.ResetMinute)
	}
	fmt.Fprintf(w, "Total rolls:\t%d\n", snap.Stats.TotalRolls)
	fmt.Fprintf(w, "Claimed:\t%d\n", len(snap.Stats.ClaimedNames))
	if !snap.Stats.StartedAt.IsZero() {
		fmt.Fprintf(w, "Session:\t%s\n", now.Sub(snap.Stats.StartedAt).Round(time.Second))
	}
	w.Flush()
	for _, name := range snap.Stats.ClaimedNames {
		fmt.Fprintf(out, "  - %s\n", name)
	}
}

func printLogs(out io.Writer, entries []roller.LogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-5s %s\n", e.Time.Local().Format("15:04:05"), strings.ToUpper(string(e.Level)), e.Message)
	}
}

func untilLabel(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}
