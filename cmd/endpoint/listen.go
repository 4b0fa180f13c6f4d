package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

// listen <name>...: print pushes from the hub until interrupted.
func listenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <name>...",
		Short: "Print messages the hub pushes under the given names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := connect(ctx, cfg, cmd.ErrOrStderr(), func(int, string) { stop() })
			if err != nil {
				return err
			}
			defer e.Close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			for _, name := range args {
				e.On(name, func(message json.RawMessage) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(out, "[%s] ", name)
					printJSON(out, message)
				})
			}

			if err := e.WaitReady(ctx); err != nil {
				return chatError(ctx, err)
			}
			fmt.Fprintf(out, "listening as %s\n", e.ID())

			<-ctx.Done()
			return nil
		},
	}
}
