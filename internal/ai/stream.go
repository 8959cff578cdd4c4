package ai

import "context"

// StreamChunk is one increment of a streamed completion. The final chunk has
// Done set and carries the usage summary when the provider reports one.
type StreamChunk struct {
	Delta string
	Usage *Usage
	Model string
	Done  bool
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, <-chan error)
}
