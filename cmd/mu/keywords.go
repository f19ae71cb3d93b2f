package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fortybyte/mudaeUtils/internal/keywords"
	"github.com/spf13/cobra"
)

func newKeywordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywords",
		Short: "Manage the names that are claimed automatically",
	}
	cmd.AddCommand(newKeywordsImportCmd())
	return cmd
}

func newKeywordsImportCmd() *cobra.Command {
	var configPath, file string

	cmd := &cobra.Command{
		Use:   "import [roster-file]",
		Short: "Add names from a pasted roster",
		Long: "Parses roster lines such as \"#12 - Rem - Re:Zero\" and adds names not already " +
			"in the keyword file. Reads stdin when no file is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				file = cfg.Game.KeywordsFile
			}

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}
			text, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read roster: %w", err)
			}
			parsed := keywords.ParseRoster(string(text))
			if len(parsed) == 0 {
				return errors.New("no roster lines found")
			}

			existing, err := keywords.Load(file)
			if err != nil {
				return err
			}
			merged, added := keywords.Merge(existing, parsed)
			if added > 0 {
				if err := keywords.Save(file, merged); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d of %d names to %s (%d total)\n", added, len(parsed), file, len(merged))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "keyword file (default game.keywords_file)")
	return cmd
}
