package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var (
		api    apiFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Download every instance record from a running server",
		Long: "Writes the server's instance records as JSON. Account tokens stay " +
			"encrypted with the server's key, so a backup only restores on a server " +
			"that has the same data directory key.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := api.connect(cmd.Context(), newPrompter(cmd))
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			toFile := output != "" && output != "-"
			if toFile {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := c.Backup(cmd.Context(), w); err != nil {
				return err
			}
			if toFile {
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", output)
			}
			return nil
		},
	}

	api.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var api apiFlags

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Upload a backup to a running server",
		Long:  "Upserts the records in a backup file and starts those that were running. Use - to read stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := api.connect(cmd.Context(), newPrompter(cmd))
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}
			started, err := c.Restore(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored backup, started %d instance(s)\n", started)
			return nil
		},
	}

	api.register(cmd)
	return cmd
}
