package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/analysis"
	"videochat/pkg/chatctx"
	"videochat/pkg/domain"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
	"videochat/pkg/upload"
)

// JobQueue enqueues ingest work and reports job state.
type JobQueue interface {
	Enqueue(ctx context.Context, videoID string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config holds runtime configuration.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Queue     JobQueue
	Describer ai.FrameDescriber
	Chat      ai.ChatCompleter

	ChatStrategy      string
	HistoryLimit      int
	VisionFrames      int
	AnalysisBatchSize int
	AnalysisTimeout   time.Duration
	UploadTimeout     time.Duration
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// App holds video, frame and chat business logic. Ownership checks live here.
type App struct {
	store             store.Store
	objects           storage.ObjectStore
	queue             JobQueue
	chat              ai.ChatCompleter
	uploader          *upload.Coordinator
	dispatcher        *analysis.Dispatcher
	builder           *chatctx.Builder
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue required")
	}
	if cfg.Describer == nil || cfg.Chat == nil {
		return nil, errors.New("model clients required")
	}
	strategy, err := chatctx.NewStrategy(cfg.ChatStrategy, cfg.Store, cfg.VisionFrames)
	if err != nil {
		return nil, err
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &App{
		store:   cfg.Store,
		objects: cfg.Objects,
		queue:   cfg.Queue,
		chat:    cfg.Chat,
		uploader: upload.NewCoordinator(cfg.Objects, cfg.Store, upload.Config{
			AttemptTimeout: cfg.UploadTimeout,
		}),
		dispatcher: analysis.NewDispatcher(cfg.Describer, cfg.Store, analysis.Config{
			BatchSize:      cfg.AnalysisBatchSize,
			AttemptTimeout: cfg.AnalysisTimeout,
		}),
		builder:           chatctx.NewBuilder(cfg.Store, strategy, cfg.HistoryLimit),
		maxUploadBytes:    maxBytes,
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
	}, nil
}

// MaxUploadBytes is the accepted source video size.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

// Ready checks the database and, when supported, the queue backend.
func (a *App) Ready(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if p, ok := a.queue.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	return nil
}

// CreateVideoInput registers a video whose frames are hosted elsewhere.
type CreateVideoInput struct {
	Title        string
	Description  string
	URL          string
	ThumbnailURL string
	FrameURLs    []string
	Duration     int
}

// CreateVideo stores a video record owned by user.
func (a *App) CreateVideo(ctx context.Context, user domain.User, in CreateVideoInput) (domain.Video, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Video{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	url := strings.TrimSpace(in.URL)
	if url == "" {
		return domain.Video{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if in.Duration < 0 {
		return domain.Video{}, fmt.Errorf("%w: duration must be >= 0", ErrInvalidInput)
	}
	frameURLs := make([]string, 0, len(in.FrameURLs))
	for i, u := range in.FrameURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			return domain.Video{}, fmt.Errorf("%w: frameUrls[%d] is empty", ErrInvalidInput, i)
		}
		frameURLs = append(frameURLs, u)
	}
	thumb := strings.TrimSpace(in.ThumbnailURL)
	if thumb == "" && len(frameURLs) > 0 {
		thumb = frameURLs[0]
	}
	now := time.Now().UTC()
	video := domain.Video{
		ID:              util.NewEntityID(),
		OwnerID:         user.ID,
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		URL:             url,
		ThumbnailURL:    thumb,
		FrameURLs:       frameURLs,
		DurationSeconds: in.Duration,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.CreateVideo(ctx, video); err != nil {
		return domain.Video{}, fmt.Errorf("create video: %w", err)
	}
	util.LoggerFromContext(ctx).Info("video_created", "video_id", video.ID, "frames", len(frameURLs))
	return video, nil
}

// UploadInput is a source video file sent by the client.
type UploadInput struct {
	Filename    string
	Title       string
	Description string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadVideo stores the source file, creates the record and enqueues ingest.
func (a *App) UploadVideo(ctx context.Context, user domain.User, in UploadInput) (domain.Video, queue.JobStatus, error) {
	ext := strings.ToLower(filepath.Ext(in.Filename))
	if _, ok := a.allowedExtensions[ext]; !ok {
		return domain.Video{}, queue.JobStatus{}, ErrUnsupportedType
	}
	if in.Size > a.maxUploadBytes {
		return domain.Video{}, queue.JobStatus{}, ErrTooLarge
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(in.Filename), filepath.Ext(in.Filename))
	}
	if title == "" {
		title = "Untitled video"
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := util.NewEntityID()
	key := fmt.Sprintf("videos/%s/source%s", id, ext)
	logger := util.LoggerFromContext(ctx).With("video_id", id)

	url, err := a.uploader.UploadSource(ctx, key, in.Body, in.Size, contentType)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			return domain.Video{}, queue.JobStatus{}, ErrTooLarge
		case errors.Is(err, storage.ErrPermissionDenied):
			logger.Error("source_upload_denied", "err", err)
			return domain.Video{}, queue.JobStatus{}, fmt.Errorf("%w: %v", ErrStoragePermission, err)
		}
		return domain.Video{}, queue.JobStatus{}, err
	}
	now := time.Now().UTC()
	video := domain.Video{
		ID:          id,
		OwnerID:     user.ID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		URL:         url,
		StorageKey:  key,
		FrameURLs:   []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateVideo(ctx, video); err != nil {
		a.discardSource(ctx, key)
		return domain.Video{}, queue.JobStatus{}, fmt.Errorf("create video: %w", err)
	}

	job, err := a.queue.Enqueue(ctx, id)
	if err != nil {
		logger.Error("ingest_enqueue_failed", "err", err)
		msg := "failed to enqueue processing"
		removed := true
		_, _, _ = a.store.UpdateVideo(ctx, id, domain.VideoPatch{ProcessingError: &msg, IsRemoved: &removed})
		a.discardSource(ctx, key)
		return domain.Video{}, queue.JobStatus{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	updated, ok, err := a.store.UpdateVideo(ctx, id, domain.VideoPatch{IngestJobID: &job.ID})
	if err != nil {
		return domain.Video{}, queue.JobStatus{}, fmt.Errorf("record ingest job: %w", err)
	}
	if ok {
		video = updated
	}
	logger.Info("video_uploaded", "job_id", job.ID, "bytes", in.Size)
	return video, job, nil
}

// discardSource removes an uploaded source whose video never reached the
// queue. Delete errors are logged, not returned.
func (a *App) discardSource(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("source_cleanup_failed", "key", key, "err", err)
	}
}

// ListVideos returns the caller's non-removed videos, newest first.
func (a *App) ListVideos(ctx context.Context, user domain.User) ([]domain.Video, error) {
	videos, err := a.store.ListVideosByOwner(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

// GetVideo returns one owned, non-removed video.
func (a *App) GetVideo(ctx context.Context, user domain.User, id string) (domain.Video, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Video{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	video, ok, err := a.store.GetVideo(ctx, id)
	if err != nil {
		return domain.Video{}, fmt.Errorf("get video: %w", err)
	}
	if !ok || video.IsRemoved {
		return domain.Video{}, ErrVideoNotFound
	}
	if video.OwnerID != user.ID {
		return domain.Video{}, ErrVideoForbidden
	}
	return video, nil
}

// UpdateVideoInput carries the client-editable fields; nil means unchanged.
type UpdateVideoInput struct {
	Title        *string
	Description  *string
	ThumbnailURL *string
	FrameURLs    *[]string
	IsProcessed  *bool
}

// UpdateVideo applies a partial update to an owned video.
func (a *App) UpdateVideo(ctx context.Context, user domain.User, id string, in UpdateVideoInput) (domain.Video, error) {
	video, err := a.GetVideo(ctx, user, id)
	if err != nil {
		return domain.Video{}, err
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return domain.Video{}, fmt.Errorf("%w: title must not be empty", ErrInvalidInput)
		}
		in.Title = &title
	}
	if in.FrameURLs != nil {
		for i, u := range *in.FrameURLs {
			if strings.TrimSpace(u) == "" {
				return domain.Video{}, fmt.Errorf("%w: frameUrls[%d] is empty", ErrInvalidInput, i)
			}
		}
	}
	patch := domain.VideoPatch{
		Title:        in.Title,
		Description:  in.Description,
		ThumbnailURL: in.ThumbnailURL,
		FrameURLs:    in.FrameURLs,
		IsProcessed:  in.IsProcessed,
	}
	if patch.Empty() {
		return video, nil
	}
	updated, ok, err := a.store.UpdateVideo(ctx, video.ID, patch)
	if err != nil {
		return domain.Video{}, fmt.Errorf("update video: %w", err)
	}
	if !ok {
		return domain.Video{}, ErrVideoNotFound
	}
	return updated, nil
}

// DeleteVideo soft-deletes an owned video. Frames and analyses stay stored.
func (a *App) DeleteVideo(ctx context.Context, user domain.User, id string) error {
	video, err := a.GetVideo(ctx, user, id)
	if err != nil {
		return err
	}
	removed := true
	if _, ok, err := a.store.UpdateVideo(ctx, video.ID, domain.VideoPatch{IsRemoved: &removed}); err != nil {
		return fmt.Errorf("delete video: %w", err)
	} else if !ok {
		return ErrVideoNotFound
	}
	util.LoggerFromContext(ctx).Info("video_removed", "video_id", video.ID)
	return nil
}

// VideoStatus reports the ingest job of an owned, uploaded video.
func (a *App) VideoStatus(ctx context.Context, user domain.User, id string) (queue.JobStatus, error) {
	video, err := a.GetVideo(ctx, user, id)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if video.IngestJobID == "" {
		return queue.JobStatus{}, ErrJobNotFound
	}
	job, ok, err := a.queue.GetJob(ctx, video.IngestJobID)
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if !ok {
		return queue.JobStatus{}, ErrJobNotFound
	}
	return job, nil
}

// FrameInput identifies one frame of an owned video.
type FrameInput struct {
	VideoID  string
	FrameURL string
	Position int
}

// AnalyzeFrame describes one frame unless an analysis already exists.
func (a *App) AnalyzeFrame(ctx context.Context, user domain.User, in FrameInput) (analysis.Result, error) {
	if strings.TrimSpace(in.FrameURL) == "" {
		return analysis.Result{}, fmt.Errorf("%w: frameUrl is required", ErrInvalidInput)
	}
	if in.Position < 0 {
		return analysis.Result{}, fmt.Errorf("%w: position must be >= 0", ErrInvalidInput)
	}
	video, err := a.GetVideo(ctx, user, in.VideoID)
	if err != nil {
		return analysis.Result{}, err
	}
	return a.dispatcher.NewSession().Dispatch(ctx, analysis.FrameRef{
		VideoID:  video.ID,
		Title:    video.Title,
		Position: in.Position,
		FrameURL: strings.TrimSpace(in.FrameURL),
	})
}

// ChatMessage is one client-held transcript entry.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatInput is one chat turn. Messages, when present, is the full client
// transcript and its last user entry is the question.
type ChatInput struct {
	VideoID  string
	Message  string
	Messages []ChatMessage
}

// ChatTurn is a started model stream plus the hook that stores its reply.
type ChatTurn struct {
	Conversation domain.Conversation
	Model        string
	Stream       ai.ChatStream
	Persist      func(ctx context.Context, content string) error
}

// StartChat persists the question, builds the grounded prompt and opens
// the model stream. The caller owns Stream.
func (a *App) StartChat(ctx context.Context, user domain.User, in ChatInput) (ChatTurn, error) {
	video, err := a.GetVideo(ctx, user, in.VideoID)
	if err != nil {
		return ChatTurn{}, err
	}
	question, prior := splitTranscript(in)
	if strings.TrimSpace(question) == "" {
		return ChatTurn{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	prompt, err := a.builder.Build(ctx, chatctx.Request{
		User:     user,
		Video:    video,
		Question: question,
		Prior:    prior,
	})
	if err != nil {
		return ChatTurn{}, err
	}
	stream, err := a.chat.StreamChat(ctx, prompt.Messages)
	if err != nil {
		util.LoggerFromContext(ctx).Error("chat_stream_open_failed", "video_id", video.ID, "err", err)
		return ChatTurn{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	conv := prompt.Conversation
	return ChatTurn{
		Conversation: conv,
		Model:        a.chat.Model(),
		Stream:       stream,
		Persist: func(ctx context.Context, content string) error {
			return a.store.AppendMessage(ctx, domain.Message{
				ConversationID: conv.ID,
				Role:           domain.RoleAssistantMessage,
				Content:        content,
			})
		},
	}, nil
}

// splitTranscript picks the question and the prior turns from a chat input.
func splitTranscript(in ChatInput) (string, []ai.ChatMessage) {
	if len(in.Messages) == 0 {
		return strings.TrimSpace(in.Message), nil
	}
	prior := make([]ai.ChatMessage, 0, len(in.Messages))
	question := ""
	for _, m := range in.Messages {
		var role domain.MessageRole
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "user":
			role = domain.RoleUserMessage
			question = strings.TrimSpace(m.Content)
		case "assistant":
			role = domain.RoleAssistantMessage
		default:
			continue
		}
		prior = append(prior, ai.ChatMessage{Role: role, Content: m.Content})
	}
	if q := strings.TrimSpace(in.Message); q != "" {
		question = q
	}
	return question, prior
}

// Messages returns the caller's conversation about a video, oldest first.
func (a *App) Messages(ctx context.Context, user domain.User, videoID string) ([]domain.Message, error) {
	video, err := a.GetVideo(ctx, user, videoID)
	if err != nil {
		return nil, err
	}
	conv, ok, err := a.store.FindConversation(ctx, video.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if !ok {
		return []domain.Message{}, nil
	}
	msgs, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".mp4", ".mov", ".webm", ".mkv", ".avi"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
