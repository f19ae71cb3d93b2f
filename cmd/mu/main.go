package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fortybyte/mudaeUtils/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mu",
		Short:        "mudaeUtils: automated rolling for the Mudae gacha bot",
		Long:         "mudaeUtils runs roll/claim automation instances and serves a control dashboard for them.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newInstanceCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newPasswdCmd())
	cmd.AddCommand(newWordmapCmd())
	cmd.AddCommand(newKeywordsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mu %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// defaultConfigPath honours MU_CONFIG.
func defaultConfigPath() string {
	if p := os.Getenv("MU_CONFIG"); p != "" {
		return p
	}
	return "mudae.yaml"
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath(), "path to mudae config file (env MU_CONFIG)")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", c.Level, err)
	}
	w := out
	if c.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
