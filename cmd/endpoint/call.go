package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// call <operation> [payload]: send one request and print the reply.
func callCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <operation> [payload]",
		Short: "Call an operation and print its reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			var payload any
			if len(args) == 2 {
				payload = parsePayload(args[1])
			}

			e, err := connect(cmd.Context(), cfg, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer e.Close()

			reply, err := e.Request(cmd.Context(), args[0], payload)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			printJSON(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
