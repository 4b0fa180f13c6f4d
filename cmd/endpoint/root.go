package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/config"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/logging"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
)

type options struct {
	configPath string
	url        string
	id         string
	keySize    int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	return (&options{}).command()
}

// command builds the root command and its subcommands with flags bound to opts
func (opts *options) command() *cobra.Command {
	root := &cobra.Command{
		Use:          "endpoint",
		Short:        "Encrypted websocket RPC endpoint",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to endpoint.toml")
	flags.StringVar(&opts.url, "url", "", "hub websocket URL (default ws://127.0.0.1:8000/)")
	flags.StringVar(&opts.id, "id", "", "endpoint identity (generated when empty)")
	flags.IntVar(&opts.keySize, "key-size", 0, "RSA key size in bits")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection events")

	root.AddCommand(callCmd(opts), chatCmd(opts), listenCmd(opts))
	return root
}

// loadConfig reads the config file and applies explicitly set flags over it
func loadConfig(cmd *cobra.Command, opts *options) (config.EndpointConfig, error) {
	cfg, err := config.LoadEndpoint(opts.configPath)
	if err != nil {
		return config.EndpointConfig{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.URL = opts.url
	}
	if flags.Changed("id") {
		cfg.ID = opts.id
	}
	if flags.Changed("key-size") {
		cfg.KeySize = opts.keySize
	}
	if opts.verbose {
		cfg.Log.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return config.EndpointConfig{}, err
	}
	return cfg, nil
}

// connect dials the hub described by cfg. closed is called once the transport closes.
func connect(ctx context.Context, cfg config.EndpointConfig, logOut io.Writer, closed func(code int, reason string)) (*network.Endpoint, error) {
	logger := logging.New(logging.Config{
		Enabled:   cfg.Log.Enabled,
		Level:     cfg.Log.Level,
		Pretty:    cfg.Log.Pretty,
		Component: "endpoint",
		Output:    logOut,
	})

	return network.Dial(ctx, network.EndpointConfig{
		URL:               cfg.URL,
		ID:                cfg.ID,
		KeySize:           cfg.KeySize,
		RetryInterval:     cfg.RetryInterval,
		RequestTimeout:    cfg.RequestTimeout,
		DialTimeout:       cfg.DialTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		OnOpen: func() {
			logger.Info().Str("url", cfg.URL).Msg("connection open")
		},
		OnClose: closed,
	}, network.WithEndpointLogger(logger))
}

// parsePayload treats valid JSON as-is and anything else as a string
func parsePayload(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

// printJSON writes message indented, falling back to the raw bytes
func printJSON(w io.Writer, message json.RawMessage) {
	var v any
	if err := json.Unmarshal(message, &v); err != nil {
		fmt.Fprintln(w, string(message))
		return
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, string(message))
		return
	}
	fmt.Fprintln(w, string(out))
}
