package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"videochat/internal/util"
	"videochat/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	videos        map[string]domain.Video
	order         []string
	analyses      map[analysisKey]domain.FrameAnalysis
	conversations map[conversationKey]domain.Conversation
	messages      map[string][]domain.Message
}

type analysisKey struct {
	videoID  string
	position int
	frameURL string
}

type conversationKey struct {
	videoID string
	userID  string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:        make(map[string]domain.Video),
		analyses:      make(map[analysisKey]domain.FrameAnalysis),
		conversations: make(map[conversationKey]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateVideo(_ context.Context, v domain.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.videos[v.ID]; exists {
		return fmt.Errorf("video %s already exists", v.ID)
	}
	v.FrameURLs = cloneStrings(v.FrameURLs)
	m.videos[v.ID] = v
	m.order = append(m.order, v.ID)
	return nil
}

func (m *MemoryStore) GetVideo(_ context.Context, id string) (domain.Video, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return domain.Video{}, false, nil
	}
	v.FrameURLs = cloneStrings(v.FrameURLs)
	return v, true, nil
}

// ListVideosByOwner returns non-removed videos, newest first.
func (m *MemoryStore) ListVideosByOwner(_ context.Context, ownerID string) ([]domain.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Video, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		v := m.videos[m.order[i]]
		if v.OwnerID != ownerID || v.IsRemoved {
			continue
		}
		v.FrameURLs = cloneStrings(v.FrameURLs)
		res = append(res, v)
	}
	return res, nil
}

func (m *MemoryStore) UpdateVideo(_ context.Context, id string, p domain.VideoPatch) (domain.Video, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return domain.Video{}, false, nil
	}
	if p.Title != nil {
		v.Title = *p.Title
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	if p.ThumbnailURL != nil {
		v.ThumbnailURL = *p.ThumbnailURL
	}
	if p.FrameURLs != nil {
		v.FrameURLs = cloneStrings(*p.FrameURLs)
	}
	if p.IsProcessed != nil {
		v.IsProcessed = *p.IsProcessed
	}
	if p.IsRemoved != nil {
		v.IsRemoved = *p.IsRemoved
	}
	if p.ProcessingError != nil {
		v.ProcessingError = *p.ProcessingError
	}
	if p.IngestJobID != nil {
		v.IngestJobID = *p.IngestJobID
	}
	v.UpdatedAt = time.Now().UTC()
	m.videos[id] = v
	v.FrameURLs = cloneStrings(v.FrameURLs)
	return v, true, nil
}

func (m *MemoryStore) SetThumbnailIfUnset(_ context.Context, id, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok || v.ThumbnailURL != "" {
		return false, nil
	}
	v.ThumbnailURL = url
	v.UpdatedAt = time.Now().UTC()
	m.videos[id] = v
	return true, nil
}

func (m *MemoryStore) FindFrameAnalysis(_ context.Context, videoID string, position int, frameURL string) (domain.FrameAnalysis, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fa, ok := m.analyses[analysisKey{videoID, position, frameURL}]
	return fa, ok, nil
}

func (m *MemoryStore) SaveFrameAnalysis(_ context.Context, fa domain.FrameAnalysis) (domain.FrameAnalysis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := analysisKey{fa.VideoID, fa.Position, fa.FrameURL}
	if existing, ok := m.analyses[key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if fa.ID == "" {
		fa.ID = util.NewEntityID()
	}
	if fa.CreatedAt.IsZero() {
		fa.CreatedAt = now
	}
	fa.UpdatedAt = now
	m.analyses[key] = fa
	return fa, true, nil
}

// ListFrameAnalyses returns analyses ordered by position.
func (m *MemoryStore) ListFrameAnalyses(_ context.Context, videoID string) ([]domain.FrameAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.FrameAnalysis, 0)
	for key, fa := range m.analyses {
		if key.videoID == videoID {
			res = append(res, fa)
		}
	}
	sortAnalyses(res)
	return res, nil
}

func (m *MemoryStore) FindOrCreateConversation(_ context.Context, videoID, userID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conversationKey{videoID, userID}
	if conv, ok := m.conversations[key]; ok {
		return conv, nil
	}
	conv := domain.Conversation{
		ID:        util.NewEntityID(),
		VideoID:   videoID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	m.conversations[key] = conv
	return conv, nil
}

func (m *MemoryStore) FindConversation(_ context.Context, videoID, userID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationKey{videoID, userID}]
	return conv, ok, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = util.NewEntityID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *MemoryStore) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.Message, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[conversationID]
	out := make([]domain.Message, len(all))
	copy(out, all)
	return out, nil
}

func sortAnalyses(items []domain.FrameAnalysis) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
