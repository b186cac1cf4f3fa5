package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-key <key>",
		Short: "Print the argon2id hash to put in ADMIN_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if len(key) < 16 {
				return errors.New("admin key must be at least 16 characters")
			}
			hash, err := argon2id.CreateHash(key, argon2id.DefaultParams)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
