package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"videochat/internal/util"
	"videochat/pkg/domain"
)

const migrateLockID int64 = 51844107

const defaultQueryTimeout = 5 * time.Second

type GormStoreOptions struct {
	Driver       string
	QueryTimeout time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithDriver selects the SQL dialect: "postgres" (default) or "sqlite".
func WithDriver(driver string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Driver = driver
	}
}

// WithQueryTimeout bounds every store call.
func WithQueryTimeout(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.QueryTimeout = d
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Driver: "postgres", QueryTimeout: defaultQueryTimeout}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&VideoModel{}, &FrameAnalysisModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// sqlite serializes writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			return nil, err
		}
	} else if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db, queryTimeout: opts.QueryTimeout}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return s.db.WithContext(ctx), cancel
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CreateVideo inserts a new video record.
func (s *GormStore) CreateVideo(ctx context.Context, v domain.Video) error {
	db, cancel := s.session(ctx)
	defer cancel()
	model := videoToModel(v)
	return db.Create(&model).Error
}

// GetVideo returns a video by ID, removed or not.
func (s *GormStore) GetVideo(ctx context.Context, id string) (domain.Video, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var model VideoModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Video{}, false, nil
		}
		return domain.Video{}, false, err
	}
	return videoFromModel(model), true, nil
}

// ListVideosByOwner returns the owner's non-removed videos, newest first.
func (s *GormStore) ListVideosByOwner(ctx context.Context, ownerID string) ([]domain.Video, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var models []VideoModel
	if err := db.Where("owner_id = ? AND is_removed = ?", ownerID, false).
		Order("created_at DESC").
		Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Video, 0, len(models))
	for _, m := range models {
		res = append(res, videoFromModel(m))
	}
	return res, nil
}

// UpdateVideo applies a partial update and returns the stored result.
func (s *GormStore) UpdateVideo(ctx context.Context, id string, patch domain.VideoPatch) (domain.Video, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	updates := patchUpdates(patch)
	updates["updated_at"] = time.Now().UTC()
	res := db.Model(&VideoModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.Video{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Video{}, false, nil
	}
	var model VideoModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Video{}, false, nil
		}
		return domain.Video{}, false, err
	}
	return videoFromModel(model), true, nil
}

func patchUpdates(p domain.VideoPatch) map[string]any {
	updates := map[string]any{}
	if p.Title != nil {
		updates["title"] = *p.Title
	}
	if p.Description != nil {
		updates["description"] = *p.Description
	}
	if p.ThumbnailURL != nil {
		updates["thumbnail_url"] = *p.ThumbnailURL
	}
	if p.FrameURLs != nil {
		updates["frame_urls"] = datatypes.JSONSlice[string](cloneStrings(*p.FrameURLs))
	}
	if p.IsProcessed != nil {
		updates["is_processed"] = *p.IsProcessed
	}
	if p.IsRemoved != nil {
		updates["is_removed"] = *p.IsRemoved
	}
	if p.ProcessingError != nil {
		updates["processing_error"] = *p.ProcessingError
	}
	if p.IngestJobID != nil {
		updates["ingest_job_id"] = *p.IngestJobID
	}
	return updates
}

// SetThumbnailIfUnset sets thumbnail_url only while it is still empty.
func (s *GormStore) SetThumbnailIfUnset(ctx context.Context, id, url string) (bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	res := db.Model(&VideoModel{}).
		Where("id = ? AND (thumbnail_url IS NULL OR thumbnail_url = '')", id).
		Updates(map[string]any{
			"thumbnail_url": url,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindFrameAnalysis looks up the analysis for one frame URL at a position.
func (s *GormStore) FindFrameAnalysis(ctx context.Context, videoID string, position int, frameURL string) (domain.FrameAnalysis, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return findFrameAnalysis(db, videoID, position, frameURL)
}

func findFrameAnalysis(db *gorm.DB, videoID string, position int, frameURL string) (domain.FrameAnalysis, bool, error) {
	var model FrameAnalysisModel
	if err := db.Where("video_id = ? AND position = ? AND frame_url = ?", videoID, position, frameURL).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FrameAnalysis{}, false, nil
		}
		return domain.FrameAnalysis{}, false, err
	}
	return frameAnalysisFromModel(model), true, nil
}

// SaveFrameAnalysis inserts an analysis or returns the row that won the race.
func (s *GormStore) SaveFrameAnalysis(ctx context.Context, fa domain.FrameAnalysis) (domain.FrameAnalysis, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	now := time.Now().UTC()
	if fa.ID == "" {
		fa.ID = util.NewEntityID()
	}
	if fa.CreatedAt.IsZero() {
		fa.CreatedAt = now
	}
	fa.UpdatedAt = now
	model := frameAnalysisToModel(fa)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return domain.FrameAnalysis{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return frameAnalysisFromModel(model), true, nil
	}
	existing, ok, err := findFrameAnalysis(db, fa.VideoID, fa.Position, fa.FrameURL)
	if err != nil {
		return domain.FrameAnalysis{}, false, err
	}
	if !ok {
		return domain.FrameAnalysis{}, false, fmt.Errorf("frame analysis %s/%d vanished after conflict", fa.VideoID, fa.Position)
	}
	return existing, false, nil
}

// ListFrameAnalyses returns a video's analyses ordered by position.
func (s *GormStore) ListFrameAnalyses(ctx context.Context, videoID string) ([]domain.FrameAnalysis, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var models []FrameAnalysisModel
	if err := db.Where("video_id = ?", videoID).
		Order("position ASC").
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FrameAnalysis, 0, len(models))
	for _, m := range models {
		res = append(res, frameAnalysisFromModel(m))
	}
	return res, nil
}

// FindOrCreateConversation returns the single conversation for (video, user).
func (s *GormStore) FindOrCreateConversation(ctx context.Context, videoID, userID string) (domain.Conversation, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	model := ConversationModel{
		ID:        util.NewEntityID(),
		VideoID:   videoID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return domain.Conversation{}, err
	}
	conv, ok, err := findConversation(db, videoID, userID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation for video %s vanished after insert", videoID)
	}
	return conv, nil
}

// FindConversation looks up the conversation without creating one.
func (s *GormStore) FindConversation(ctx context.Context, videoID, userID string) (domain.Conversation, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return findConversation(db, videoID, userID)
}

func findConversation(db *gorm.DB, videoID, userID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := db.Where("video_id = ? AND user_id = ?", videoID, userID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	db, cancel := s.session(ctx)
	defer cancel()
	if msg.ID == "" {
		msg.ID = util.NewEntityID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(msg)
	return db.Create(&model).Error
}

// ListRecentMessages returns the latest messages (newest first, then reversed to chronological).
func (s *GormStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	db, cancel := s.session(ctx)
	defer cancel()
	var models []MessageModel
	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListMessages returns every message of a conversation in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var models []MessageModel
	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func videoToModel(v domain.Video) VideoModel {
	return VideoModel{
		ID:              v.ID,
		OwnerID:         v.OwnerID,
		Title:           v.Title,
		Description:     v.Description,
		URL:             v.URL,
		StorageKey:      v.StorageKey,
		ThumbnailURL:    v.ThumbnailURL,
		FrameURLs:       datatypes.JSONSlice[string](cloneStrings(v.FrameURLs)),
		DurationSeconds: v.DurationSeconds,
		IsProcessed:     v.IsProcessed,
		IsRemoved:       v.IsRemoved,
		ProcessingError: v.ProcessingError,
		IngestJobID:     v.IngestJobID,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func videoFromModel(m VideoModel) domain.Video {
	return domain.Video{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Title:           m.Title,
		Description:     m.Description,
		URL:             m.URL,
		StorageKey:      m.StorageKey,
		ThumbnailURL:    m.ThumbnailURL,
		FrameURLs:       cloneStrings(m.FrameURLs),
		DurationSeconds: m.DurationSeconds,
		IsProcessed:     m.IsProcessed,
		IsRemoved:       m.IsRemoved,
		ProcessingError: m.ProcessingError,
		IngestJobID:     m.IngestJobID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func frameAnalysisToModel(fa domain.FrameAnalysis) FrameAnalysisModel {
	return FrameAnalysisModel{
		ID:          fa.ID,
		VideoID:     fa.VideoID,
		Position:    fa.Position,
		FrameURL:    fa.FrameURL,
		Description: fa.Description,
		CreatedAt:   fa.CreatedAt,
		UpdatedAt:   fa.UpdatedAt,
	}
}

func frameAnalysisFromModel(m FrameAnalysisModel) domain.FrameAnalysis {
	return domain.FrameAnalysis{
		ID:          m.ID,
		VideoID:     m.VideoID,
		Position:    m.Position,
		FrameURL:    m.FrameURL,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:        m.ID,
		VideoID:   m.VideoID,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
