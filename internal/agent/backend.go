package agent

import (
	"context"
	"iter"
)

// Backend invokes a language model. Implementations are safe for concurrent use.
type Backend interface {
	// Complete runs req and returns the whole reply.
	Complete(ctx context.Context, req Request) (Result, error)

	// Stream runs req and yields reply fragments in arrival order. A stream
	// that cannot be completed yields a single error and stops.
	Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error]

	// ListModels returns the model identifiers offered by the backend.
	ListModels(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

var (
	_ Backend = (*OllamaBackend)(nil)
	_ Backend = (*GrpcBackend)(nil)
)
