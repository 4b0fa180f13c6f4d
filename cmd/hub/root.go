package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/api"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/config"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/logging"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/metrics"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

type options struct {
	configPath string
	listen     string
	admin      string
	id         string
	keySize    int
	auditDB    string
	noAdmin    bool
}

func newRootCmd() *cobra.Command {
	return (&options{}).command()
}

// command builds the root command with its flags bound to opts
func (opts *options) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hub",
		Short:        "Encrypted websocket RPC hub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to hub.toml")
	flags.StringVar(&opts.listen, "listen", "", "websocket listen address (default :8000)")
	flags.StringVar(&opts.admin, "admin", "", "admin API listen address (default 127.0.0.1:8001)")
	flags.BoolVar(&opts.noAdmin, "no-admin", false, "disable the admin API")
	flags.StringVar(&opts.id, "id", "", "hub identity (generated when empty)")
	flags.IntVar(&opts.keySize, "key-size", 0, "per-session RSA key size in bits")
	flags.StringVar(&opts.auditDB, "audit-db", "", "sqlite file for the session audit log")

	return cmd
}

// loadConfig reads the config file and applies explicitly set flags over it
func loadConfig(cmd *cobra.Command, opts *options) (config.HubConfig, error) {
	cfg, err := config.LoadHub(opts.configPath)
	if err != nil {
		return config.HubConfig{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flags.Changed("admin") {
		cfg.Admin.Listen = opts.admin
		cfg.Admin.Enabled = true
	}
	if opts.noAdmin {
		cfg.Admin.Enabled = false
	}
	if flags.Changed("id") {
		cfg.ID = opts.id
	}
	if flags.Changed("key-size") {
		cfg.KeySize = opts.keySize
	}
	if flags.Changed("audit-db") {
		cfg.AuditDB = opts.auditDB
	}

	if err := cfg.Validate(); err != nil {
		return config.HubConfig{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.HubConfig) error {
	printBanner()

	if cfg.ID == "" {
		cfg.ID = protocol.NewIdentity()
	}

	logger := logging.New(logging.Config{
		Enabled:   cfg.Log.Enabled,
		Level:     cfg.Log.Level,
		Pretty:    cfg.Log.Pretty,
		Component: "hub",
	})

	m := metrics.New(cfg.ID)
	hubOpts := []network.HubOption{
		network.WithLogger(logger),
		network.WithMetrics(m),
	}

	var sessionLog *storage.SessionLog
	if cfg.AuditDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditDB), 0o755); err != nil {
			return fmt.Errorf("create audit directory: %w", err)
		}

		var err error
		sessionLog, err = storage.NewSessionLog(cfg.AuditDB, 0, logger.With().Str("component", "audit").Logger())
		if err != nil {
			return err
		}
		defer sessionLog.Close()

		hubOpts = append(hubOpts, network.WithSessionRecorder(sessionLog))
		logger.Info().Str("path", cfg.AuditDB).Msg("session audit log initialized")
	}

	hub, err := network.NewHub(network.HubConfig{
		ID:      cfg.ID,
		Addr:    cfg.Listen,
		Path:    cfg.Path,
		KeySize: cfg.KeySize,
	}, hubOpts...)
	if err != nil {
		return err
	}

	if err := registerDemoOperations(hub, logger); err != nil {
		return err
	}

	if err := hub.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		var history api.SessionHistory
		if sessionLog != nil {
			history = sessionLog
		}

		server := api.NewServer(hub, history, m, &api.Config{
			Listen:       cfg.Admin.Listen,
			CORSOrigins:  cfg.Admin.CORSOrigins,
			RateLimit:    cfg.Admin.RateLimit,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}, logger.With().Str("component", "admin").Logger())

		go func() {
			adminErr <- server.Start(ctx)
		}()
	}

	go startHeartbeatLoop(ctx, hub, logger)

	printStatus(hub, cfg)

	select {
	case <-ctx.Done():
	case err := <-adminErr:
		if err != nil {
			logger.Error().Err(err).Msg("admin API failed")
		}
		<-ctx.Done()
	}

	return shutdown(hub, logger)
}

func shutdown(hub *network.Hub, logger zerolog.Logger) error {
	fmt.Println()
	logger.Info().Msg("shutting down hub")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hub.Stop(ctx); err != nil {
		return fmt.Errorf("stop hub: %w", err)
	}

	logger.Info().Msg("hub stopped")
	return nil
}
