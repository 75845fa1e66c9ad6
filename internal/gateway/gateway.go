// Package gateway defines the interface for client-facing entry points
// and the dispatcher every entry point submits guest code through.
package gateway

import (
	"context"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// Gateway is a client-facing surface (HTTP API, MCP server, CLI).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Inspector exposes the engine's non-executing surface: static analysis
// and the effective policy. Executions themselves go through the
// Dispatcher, never through this interface.
type Inspector interface {
	Validate(code string) []sandbox.Violation
	Policy() *sandbox.Policy
}
