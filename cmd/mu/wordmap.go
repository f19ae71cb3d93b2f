package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fortybyte/mudaeUtils/internal/wordmap"
	"github.com/spf13/cobra"
)

func newWordmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wordmap",
		Short: "Build and inspect the word-guess table",
	}
	cmd.AddCommand(newWordmapBuildCmd())
	cmd.AddCommand(newWordmapLookupCmd())
	return cmd
}

func newWordmapBuildCmd() *cobra.Command {
	var words, deny, output string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compute the word-guess table from a word list",
		Long: "Reads one word per line and writes a JSON table with an answer for every " +
			"three-letter combination some word contains.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := readWordFile(cmd, words)
			if err != nil {
				return err
			}
			var denied []string
			if deny != "" {
				if denied, err = readWordFile(cmd, deny); err != nil {
					return err
				}
			}
			table := wordmap.Build(list, denied)

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := table.Write(w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Mapped %d combinations from %d words\n", len(table), len(list))
			return nil
		},
	}

	cmd.Flags().StringVarP(&words, "words", "w", "-", "word list file, - for stdin")
	cmd.Flags().StringVar(&deny, "deny", "", "file of words never to use")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	return cmd
}

func readWordFile(cmd *cobra.Command, path string) ([]string, error) {
	if path == "-" {
		return wordmap.ReadWords(cmd.InOrStdin())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return wordmap.ReadWords(f)
}

func newWordmapLookupCmd() *cobra.Command {
	var configPath, source string

	cmd := &cobra.Command{
		Use:   "lookup <combo>...",
		Short: "Show the answers the engines would give",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if source != "" {
				cfg.Wordmap.Source = source
			}
			table, err := wordmap.Load(cmd.Context(), cfg.Wordmap.Source, wordmap.LoadOptions{
				GitHubToken: os.Getenv(cfg.Wordmap.GitHubTokenEnv),
			})
			if err != nil {
				return err
			}
			r := wordmap.NewResolver(table, cfg.Game.GiveUpToken)
			for _, combo := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", combo, r.Lookup(combo))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&source, "source", "", "table path, URL or github:// reference (overrides wordmap.source)")
	return cmd
}
