package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/registry"
)

// registerDemoOperations wires the operations the interactive endpoint talks to
func registerDemoOperations(hub *network.Hub, logger zerolog.Logger) error {
	requestMW := []registry.RequestMiddleware{logRequest(logger)}
	messageMW := []registry.MessageMiddleware{logMessage(logger)}

	ops := []struct {
		name   string
		handle registry.HandlerFunc
	}{
		{"say-hello", registry.Static("ok, nice to meet you")},
		{"say-name", registry.Typed(sayName)},
		{"free-line", registry.Static(true)},
	}

	for _, op := range ops {
		if err := hub.Register(op.name, op.handle, requestMW, messageMW); err != nil {
			return err
		}
	}
	return nil
}

func sayName(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ok, nice to meet you!", nil
	}
	return "ok, nice to meet you, " + name + "!", nil
}

// logRequest logs the envelope as received, payload still encrypted
func logRequest(logger zerolog.Logger) registry.RequestMiddleware {
	return func(_ context.Context, req *registry.Request, env *protocol.Envelope) error {
		logger.Info().
			Str("client", req.Identity).
			Str("operation", env.Name).
			Time("timestamp", env.Timestamp).
			Int("encrypted_bytes", len(env.Message)).
			Msg("request received")
		return nil
	}
}

// logMessage logs the decrypted payload and passes it through unchanged
func logMessage(logger zerolog.Logger) registry.MessageMiddleware {
	return func(_ context.Context, message json.RawMessage) (json.RawMessage, error) {
		logger.Debug().RawJSON("message", message).Msg("decrypted message")
		return message, nil
	}
}
