package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/keywords"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// newTransport is replaced in tests.
var newTransport = func(token string, logger zerolog.Logger) (discord.Transport, error) {
	return discord.New(token, discord.Options{Logger: logger})
}

type runOpts struct {
	configPath string
	token      string
	channels   string
	logging    bool
	debug      bool
}

func newRunCmd() *cobra.Command {
	var opts runOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run engines for one account in the foreground",
		Long: "Starts one automation engine per channel for a single account token " +
			"without the supervisor, database or dashboard. Stops on interrupt or " +
			"when the token is rejected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd, opts)
		},
	}

	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.token, "token", "", "account token (env DISCORD_TOKEN)")
	cmd.Flags().StringVar(&opts.channels, "channels", os.Getenv("CHANNELS"), "comma-separated channel IDs (env CHANNELS)")
	cmd.Flags().BoolVar(&opts.logging, "logging", false, "mirror engine activity to the console")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

// parseChannels splits a comma-separated list, dropping blanks and duplicates.
func parseChannels(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ch := range strings.Split(s, ",") {
		ch = strings.TrimSpace(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func runStandalone(cmd *cobra.Command, opts runOpts) error {
	if opts.token == "" {
		opts.token = os.Getenv("DISCORD_TOKEN")
	}
	if opts.token == "" {
		return errors.New("a token is required (--token or DISCORD_TOKEN)")
	}
	channels := parseChannels(opts.channels)
	if len(channels) == 0 {
		return errors.New("at least one channel is required (--channels or CHANNELS)")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	names, err := keywords.Load(cfg.Game.KeywordsFile)
	if err != nil {
		return err
	}
	matcher := keywords.NewMatcher(names)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resolver := loadResolver(ctx, cfg, logger)
	transport, err := newTransport(opts.token, logger)
	if err != nil {
		return err
	}

	obs := &runObserver{cancel: cancel}
	engines := make([]*roller.Engine, 0, len(channels))
	for _, ch := range channels {
		e := roller.New(roller.SettingsFromConfig(cfg, ch), roller.Options{
			Transport: transport,
			Resolver:  resolver,
			Keywords:  matcher,
			Observer:  obs,
			Logger:    logger.With().Str("channel", ch).Logger(),
			Logging:   opts.logging,
		})
		e.Start(ctx)
		engines = append(engines, e)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Running %d engine(s), press Ctrl+C to stop\n", len(engines))

	<-ctx.Done()
	for _, e := range engines {
		e.Stop()
	}
	for _, e := range engines {
		<-e.Done()
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, discord.ErrUnauthorized) {
		return fmt.Errorf("token rejected: %w", cause)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
	return nil
}

// runObserver stops every engine once the token is rejected.
type runObserver struct {
	cancel context.CancelCauseFunc
}

func (o *runObserver) OnLog(roller.LogEntry)       {}
func (o *runObserver) OnStats(roller.Snapshot)     {}
func (o *runObserver) OnIdentity(discord.Identity) {}
func (o *runObserver) OnUnauthorized(err error)    { o.cancel(err) }
