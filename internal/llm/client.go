// Package llm provides the generative backend used by the co-pilot.
package llm

import "context"

// Backend is the interface a generative model provider implements.
// A Backend makes exactly one remote call per Generate and never
// retries on its own; retry policy belongs to the caller.
type Backend interface {
	// Generate sends one request and returns the raw reply.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}
