package ai

import (
	"context"

	"videochat/pkg/domain"
)

// FrameDescriber turns one frame image into a text description.
type FrameDescriber interface {
	DescribeFrame(ctx context.Context, videoTitle, imageURL string) (string, error)
}

// ChatCompleter streams an assistant reply for a prepared message list.
type ChatCompleter interface {
	StreamChat(ctx context.Context, messages []ChatMessage) (ChatStream, error)
	Model() string
}

// ChatStream yields content deltas until io.EOF.
type ChatStream interface {
	// Recv returns the next non-empty content delta.
	Recv() (string, error)
	Close() error
}

// ChatMessage is one provider-neutral chat turn. ImageURLs turn a user
// message into a multimodal one.
type ChatMessage struct {
	Role      domain.MessageRole
	Content   string
	ImageURLs []string
}
