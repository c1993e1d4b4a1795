package store

import (
	"context"

	"videochat/pkg/domain"
)

// Store defines persistence operations for videos, frame analyses and chat.
// Lookups return (value, found, err); a missing row is not an error.
type Store interface {
	// videos
	CreateVideo(ctx context.Context, v domain.Video) error
	GetVideo(ctx context.Context, id string) (domain.Video, bool, error)
	ListVideosByOwner(ctx context.Context, ownerID string) ([]domain.Video, error)
	UpdateVideo(ctx context.Context, id string, patch domain.VideoPatch) (domain.Video, bool, error)
	// SetThumbnailIfUnset assigns the thumbnail only when none is set yet.
	SetThumbnailIfUnset(ctx context.Context, id, url string) (bool, error)

	// frame analyses
	FindFrameAnalysis(ctx context.Context, videoID string, position int, frameURL string) (domain.FrameAnalysis, bool, error)
	// SaveFrameAnalysis inserts the row unless (videoId, position, frameUrl)
	// already exists; it returns the stored row and whether it was created.
	SaveFrameAnalysis(ctx context.Context, fa domain.FrameAnalysis) (domain.FrameAnalysis, bool, error)
	ListFrameAnalyses(ctx context.Context, videoID string) ([]domain.FrameAnalysis, error)

	// conversations
	FindOrCreateConversation(ctx context.Context, videoID, userID string) (domain.Conversation, error)
	FindConversation(ctx context.Context, videoID, userID string) (domain.Conversation, bool, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	Ping(ctx context.Context) error
}
