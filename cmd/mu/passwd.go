package main

import (
	"errors"
	"fmt"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/spf13/cobra"
)

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Hash a dashboard password",
		Long:  "Prompts for a password twice and prints the bcrypt hash to set as server.password_hash.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			pw, err := p.secret("New password: ")
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("password must not be empty")
			}
			again, err := p.secret("Repeat password: ")
			if err != nil {
				return err
			}
			if pw != again {
				return errors.New("passwords do not match")
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
