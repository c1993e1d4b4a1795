package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"videochat/pkg/domain"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	gs, err := NewGormStore(filepath.Join(t.TempDir(), "videochat.db"), WithDriver("sqlite"), WithQueryTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = gs.Close() })
	return map[string]Store{
		"gorm-sqlite": gs,
		"memory":      NewMemoryStore(),
	}
}

func seedVideo(t *testing.T, s Store, id, owner string, created time.Time) domain.Video {
	t.Helper()
	v := domain.Video{
		ID:        id,
		OwnerID:   owner,
		Title:     "clip " + id,
		URL:       "https://cdn.example/videos/" + id + ".mp4",
		FrameURLs: []string{},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.CreateVideo(context.Background(), v); err != nil {
		t.Fatalf("create video: %v", err)
	}
	return v
}

func TestVideoLifecycle(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)
			seedVideo(t, s, "v1", "alice", base)
			seedVideo(t, s, "v2", "alice", base.Add(time.Minute))
			seedVideo(t, s, "v3", "bob", base.Add(2*time.Minute))

			removed := true
			if _, ok, err := s.UpdateVideo(ctx, "v1", domain.VideoPatch{IsRemoved: &removed}); err != nil || !ok {
				t.Fatalf("soft delete: ok=%v err=%v", ok, err)
			}

			list, err := s.ListVideosByOwner(ctx, "alice")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].ID != "v2" {
				t.Fatalf("unexpected owner list: %+v", list)
			}

			frames := []string{"f0", "f1"}
			updated, ok, err := s.UpdateVideo(ctx, "v2", domain.VideoPatch{FrameURLs: &frames})
			if err != nil || !ok {
				t.Fatalf("update frames: ok=%v err=%v", ok, err)
			}
			if len(updated.FrameURLs) != 2 || updated.FrameURLs[1] != "f1" {
				t.Fatalf("unexpected frames: %v", updated.FrameURLs)
			}

			if _, ok, err := s.UpdateVideo(ctx, "missing", domain.VideoPatch{FrameURLs: &frames}); err != nil || ok {
				t.Fatalf("update missing: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestSetThumbnailIfUnsetOnlyOnce(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, s, "v1", "alice", time.Now().UTC())

			set, err := s.SetThumbnailIfUnset(ctx, "v1", "first")
			if err != nil || !set {
				t.Fatalf("first set: set=%v err=%v", set, err)
			}
			set, err = s.SetThumbnailIfUnset(ctx, "v1", "second")
			if err != nil || set {
				t.Fatalf("second set: set=%v err=%v", set, err)
			}
			v, _, _ := s.GetVideo(ctx, "v1")
			if v.ThumbnailURL != "first" {
				t.Fatalf("thumbnail = %q, want first", v.ThumbnailURL)
			}
		})
	}
}

func TestSaveFrameAnalysisKeepsOneRow(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			created := make(chan bool, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := s.SaveFrameAnalysis(ctx, domain.FrameAnalysis{
						VideoID: "v1", Position: 0, FrameURL: "u0", Description: "a kitchen",
					})
					if err != nil {
						t.Errorf("save: %v", err)
						return
					}
					created <- ok
				}()
			}
			wg.Wait()
			close(created)
			n := 0
			for ok := range created {
				if ok {
					n++
				}
			}
			if n != 1 {
				t.Fatalf("created %d rows, want 1", n)
			}
			items, err := s.ListFrameAnalyses(ctx, "v1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(items) != 1 {
				t.Fatalf("got %d analyses, want 1", len(items))
			}
		})
	}
}

func TestListFrameAnalysesOrdersByPosition(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, pos := range []int{2, 0, 1} {
				if _, _, err := s.SaveFrameAnalysis(ctx, domain.FrameAnalysis{
					VideoID: "v1", Position: pos, FrameURL: "u", Description: "d",
				}); err != nil {
					t.Fatalf("save %d: %v", pos, err)
				}
			}
			items, err := s.ListFrameAnalyses(ctx, "v1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for i, fa := range items {
				if fa.Position != i {
					t.Fatalf("items[%d].Position = %d", i, fa.Position)
				}
			}
		})
	}
}

func TestConversationAndMessages(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := s.FindOrCreateConversation(ctx, "v1", "alice")
			if err != nil {
				t.Fatalf("find or create: %v", err)
			}
			again, err := s.FindOrCreateConversation(ctx, "v1", "alice")
			if err != nil {
				t.Fatalf("find or create again: %v", err)
			}
			if again.ID != conv.ID {
				t.Fatalf("conversation not reused: %s vs %s", conv.ID, again.ID)
			}
			if _, ok, _ := s.FindConversation(ctx, "v1", "bob"); ok {
				t.Fatal("unexpected conversation for bob")
			}

			for i, content := range []string{"q1", "a1", "q2", "a2", "q3"} {
				role := domain.RoleUserMessage
				if i%2 == 1 {
					role = domain.RoleAssistantMessage
				}
				if err := s.AppendMessage(ctx, domain.Message{ConversationID: conv.ID, Role: role, Content: content}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			recent, err := s.ListRecentMessages(ctx, conv.ID, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(recent) != 2 || recent[0].Content != "a2" || recent[1].Content != "q3" {
				t.Fatalf("unexpected recent: %+v", recent)
			}
			all, err := s.ListMessages(ctx, conv.ID)
			if err != nil {
				t.Fatalf("all: %v", err)
			}
			if len(all) != 5 || all[0].Content != "q1" {
				t.Fatalf("unexpected history: %+v", all)
			}
		})
	}
}
