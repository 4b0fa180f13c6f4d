package network

import "errors"

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUnregisteredPeer = errors.New("unregistered peer")
	ErrHandlerNotFound  = errors.New("client not found")
	ErrMiddleware       = errors.New("middleware rejected message")
	ErrHandlerFailed    = errors.New("handler failed")
	ErrHandlerPanic     = errors.New("handler panicked")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrClosed           = errors.New("connection closed")
	ErrHubStarted       = errors.New("hub already started")
)
