package agent

import (
	"context"
	"iter"
)

// Processor is the assistant backend. GrpcClient implements it.
type Processor interface {
	// Respond streams the reply to a user message.
	Respond(ctx context.Context, req RespondRequest) iter.Seq2[*StreamEvent, error]

	// Close releases resources.
	Close()
}

// Ensure GrpcClient implements Processor.
var _ Processor = (*GrpcClient)(nil)
