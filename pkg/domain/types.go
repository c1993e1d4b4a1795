package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the authenticated identity carried by an access token.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Role  UserRole `json:"role"`
}

// IsAdmin reports whether the identity carries the admin flag.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type MessageRole string

const (
	RoleUserMessage      MessageRole = "user"
	RoleAssistantMessage MessageRole = "assistant"
	RoleSystemMessage    MessageRole = "system"
)

// Video is an uploaded source video and its sampled frame list.
// FrameURLs[i] always belongs to sample position i; the list only grows as a prefix.
type Video struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"userId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url"`
	StorageKey      string    `json:"-"`
	ThumbnailURL    string    `json:"thumbnailUrl,omitempty"`
	FrameURLs       []string  `json:"frameUrls"`
	DurationSeconds int       `json:"duration,omitempty"`
	IsProcessed     bool      `json:"isProcessed"`
	IsRemoved       bool      `json:"isRemoved"`
	ProcessingError string    `json:"processingError,omitempty"`
	IngestJobID     string    `json:"ingestJobId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// VideoPatch is a partial update; nil fields are left unchanged.
type VideoPatch struct {
	Title           *string
	Description     *string
	ThumbnailURL    *string
	FrameURLs       *[]string
	IsProcessed     *bool
	IsRemoved       *bool
	ProcessingError *string
	IngestJobID     *string
}

// Empty reports whether the patch changes nothing.
func (p VideoPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.ThumbnailURL == nil &&
		p.FrameURLs == nil && p.IsProcessed == nil && p.IsRemoved == nil &&
		p.ProcessingError == nil && p.IngestJobID == nil
}

// FrameAnalysis is the stored description of one sampled frame.
type FrameAnalysis struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"videoId"`
	Position    int       `json:"position"`
	FrameURL    string    `json:"frameUrl"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FrameAnalysisErrorDescription marks a frame whose vision call failed.
const FrameAnalysisErrorDescription = "[Error processing frame]"

type Conversation struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"videoId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
}
