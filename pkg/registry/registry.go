// Package registry maps operation names to handlers and their middleware chains.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
)

var (
	ErrNotFound            = errors.New("handler not found")
	ErrDuplicateHandler    = errors.New("duplicate handler")
	ErrSealed              = errors.New("registry sealed")
	ErrInvalidRegistration = errors.New("invalid registration")
)

// Request is the context a request middleware sees for one inbound envelope
type Request struct {
	Identity string
	Session  *crypto.Session
	HTTP     *http.Request
}

// RequestMiddleware runs before decryption. It may rewrite env.Message.
// A returned error aborts dispatch of the envelope.
type RequestMiddleware func(ctx context.Context, req *Request, env *protocol.Envelope) error

// MessageMiddleware transforms the decrypted message. The output of one
// middleware is the input of the next.
type MessageMiddleware func(ctx context.Context, message json.RawMessage) (json.RawMessage, error)

// HandlerFunc produces the reply payload for a message. The result is JSON encoded.
type HandlerFunc func(ctx context.Context, message json.RawMessage) (any, error)

// Registration binds an operation name to its pipeline
type Registration struct {
	Name              string
	RequestMiddleware []RequestMiddleware
	MessageMiddleware []MessageMiddleware
	Handle            HandlerFunc
}

// Registry is the set of operations a hub serves.
// It is mutable until Seal is called.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Registration
	sealed   bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		handlers: make(map[string]*Registration),
	}
}

// Register adds an operation
func (r *Registry) Register(name string, handle HandlerFunc, requestMiddleware []RequestMiddleware, messageMiddleware []MessageMiddleware) error {
	if name == "" {
		return fmt.Errorf("%w: empty operation name", ErrInvalidRegistration)
	}
	if handle == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidRegistration, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, name)
	}

	r.handlers[name] = &Registration{
		Name:              name,
		RequestMiddleware: append([]RequestMiddleware(nil), requestMiddleware...),
		MessageMiddleware: append([]MessageMiddleware(nil), messageMiddleware...),
		Handle:            handle,
	}
	return nil
}

// Lookup returns the registration for name
func (r *Registry) Lookup(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return reg, nil
}

// Names returns the registered operation names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered operations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Seal makes the registry read-only
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
