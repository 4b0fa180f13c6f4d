package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/config"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
)

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              ws-rpc-e2e hub                       ║")
	fmt.Println("║     Encrypted request/response over websocket     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(hub *network.Hub, cfg config.HubConfig) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Hub Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   ID: %s\n", hub.ID())
	fmt.Printf("   Websocket: ws://%s%s\n", hub.Addr(), cfg.Path)
	fmt.Printf("   Key size: %d bits\n", cfg.KeySize)
	fmt.Printf("   Operations: %v\n", hub.Operations())
	if cfg.Admin.Enabled {
		fmt.Printf("   Admin API: http://%s\n", cfg.Admin.Listen)
	} else {
		fmt.Printf("   Admin API: disabled\n")
	}
	if cfg.AuditDB != "" {
		fmt.Printf("   Audit log: %s\n", cfg.AuditDB)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func startHeartbeatLoop(ctx context.Context, hub *network.Hub, logger zerolog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Int("sessions", hub.SessionCount()).
				Dur("uptime", hub.Uptime().Truncate(time.Second)).
				Msg("heartbeat")
		}
	}
}
