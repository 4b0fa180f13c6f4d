package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
)

// chat: the interactive greeting flow, then every line is sent as free-line.
func chatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session with the demo operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			e, err := connect(ctx, cfg, cmd.ErrOrStderr(), func(int, string) {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "connection close")
				stop()
			})
			if err != nil {
				return err
			}
			defer e.Close()

			return runChat(ctx, e, cmd.InOrStdin(), out)
		},
	}
}

func runChat(ctx context.Context, e *network.Endpoint, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	ask := func(question string) (string, bool) {
		fmt.Fprintln(out, question)
		select {
		case line, ok := <-lines:
			return line, ok
		case <-ctx.Done():
			return "", false
		}
	}

	fmt.Fprintln(out, "Hello, I'm ready")
	fmt.Fprintln(out)

	answer, ok := ask("Say me hello!")
	if !ok {
		return nil
	}
	if _, err := e.Request(ctx, "say-hello", answer); err != nil {
		return chatError(ctx, err)
	}
	fmt.Fprintln(out, "Ok")
	fmt.Fprintln(out)

	answer, ok = ask("What's your name?")
	if !ok {
		return nil
	}
	var greeting string
	if err := e.Call(ctx, "say-name", answer, &greeting); err != nil {
		return chatError(ctx, err)
	}
	fmt.Fprintln(out, greeting)
	fmt.Fprintln(out)

	// free-line replies are not awaited before the next prompt
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	defer wg.Wait()

	fmt.Fprintln(out, "ok, free line:")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(line string) {
				defer wg.Done()
				if _, reqErr := e.Request(ctx, "free-line", line); chatError(ctx, reqErr) != nil {
					mu.Lock()
					err = errors.Join(err, reqErr)
					mu.Unlock()
				}
			}(line)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "more")
		}
	}
}

// chatError hides errors caused by the session ending on purpose
func chatError(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, network.ErrClosed) {
		return nil
	}
	return err
}
