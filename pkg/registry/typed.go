package registry

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed adapts a handler over concrete request and response types.
// An absent message decodes into the zero value of T.
func Typed[T, R any](fn func(ctx context.Context, req T) (R, error)) HandlerFunc {
	return func(ctx context.Context, message json.RawMessage) (any, error) {
		var req T
		if len(message) > 0 {
			if err := json.Unmarshal(message, &req); err != nil {
				return nil, fmt.Errorf("decode %T: %w", req, err)
			}
		}
		return fn(ctx, req)
	}
}

// Static returns a handler that always replies with v
func Static(v any) HandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		return v, nil
	}
}
