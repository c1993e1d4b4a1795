package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"videochat/pkg/ai"
	"videochat/pkg/analysis"
	"videochat/pkg/chatctx"
	"videochat/pkg/domain"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
)

var (
	alice = domain.User{ID: "alice", Role: domain.RoleUser}
	bob   = domain.User{ID: "bob", Role: domain.RoleUser}
)

type fakeDescriber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDescriber) DescribeFrame(_ context.Context, title, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "a frame of " + title, nil
}

type sliceStream struct {
	deltas []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeChat struct {
	mu       sync.Mutex
	calls    int
	err      error
	messages []ai.ChatMessage
}

func (f *fakeChat) StreamChat(_ context.Context, messages []ai.ChatMessage) (ai.ChatStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &sliceStream{deltas: []string{"It ", "is pasta."}}, nil
}

func (f *fakeChat) Model() string { return "test-model" }

type fixture struct {
	app       *App
	store     *store.MemoryStore
	objects   *storage.MemoryStore
	describer *fakeDescriber
	chat      *fakeChat
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Addr: mr.Addr(), Stream: "test:ingest"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	f := fixture{
		store:     store.NewMemoryStore(),
		objects:   storage.NewMemoryStore("https://cdn.example", 1024),
		describer: &fakeDescriber{},
		chat:      &fakeChat{},
	}
	f.app, err = New(Config{
		Store:          f.store,
		Objects:        f.objects,
		Queue:          q,
		Describer:      f.describer,
		Chat:           f.chat,
		ChatStrategy:   chatctx.StrategyText,
		MaxUploadBytes: 512,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return f
}

func (f fixture) createVideo(t *testing.T, owner domain.User) domain.Video {
	t.Helper()
	v, err := f.app.CreateVideo(context.Background(), owner, CreateVideoInput{
		Title:     "Cooking",
		URL:       "https://cdn.example/v.mp4",
		FrameURLs: []string{"https://cdn.example/f0.jpg", "https://cdn.example/f1.jpg"},
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return v
}

func TestCreateVideoValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   CreateVideoInput
	}{
		{name: "missing title", in: CreateVideoInput{URL: "https://x"}},
		{name: "missing url", in: CreateVideoInput{Title: "t"}},
		{name: "negative duration", in: CreateVideoInput{Title: "t", URL: "https://x", Duration: -1}},
		{name: "empty frame url", in: CreateVideoInput{Title: "t", URL: "https://x", FrameURLs: []string{" "}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.app.CreateVideo(context.Background(), alice, tc.in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestCreateVideoDefaultsThumbnail(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t, alice)
	if v.ThumbnailURL != "https://cdn.example/f0.jpg" {
		t.Fatalf("thumbnail = %q", v.ThumbnailURL)
	}
	if v.OwnerID != alice.ID || v.IsProcessed {
		t.Fatalf("unexpected video: %+v", v)
	}
}

func TestOwnershipAndSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)

	if _, err := f.app.GetVideo(ctx, bob, v.ID); !errors.Is(err, ErrVideoForbidden) {
		t.Fatalf("bob get: %v, want forbidden", err)
	}
	if err := f.app.DeleteVideo(ctx, bob, v.ID); !errors.Is(err, ErrVideoForbidden) {
		t.Fatalf("bob delete: %v, want forbidden", err)
	}
	if err := f.app.DeleteVideo(ctx, alice, v.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.app.GetVideo(ctx, alice, v.ID); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("get removed: %v, want not found", err)
	}
	list, err := f.app.ListVideos(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("removed video still listed: %+v", list)
	}
	stored, ok, _ := f.store.GetVideo(ctx, v.ID)
	if !ok || !stored.IsRemoved {
		t.Fatalf("expected soft delete, got ok=%v %+v", ok, stored)
	}
}

func TestUpdateVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)

	title := "  Dinner  "
	done := true
	urls := []string{"https://cdn.example/a.jpg"}
	updated, err := f.app.UpdateVideo(ctx, alice, v.ID, UpdateVideoInput{Title: &title, IsProcessed: &done, FrameURLs: &urls})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Dinner" || !updated.IsProcessed || len(updated.FrameURLs) != 1 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	blank := " "
	if _, err := f.app.UpdateVideo(ctx, alice, v.ID, UpdateVideoInput{Title: &blank}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank title: %v, want ErrInvalidInput", err)
	}
	same, err := f.app.UpdateVideo(ctx, alice, v.ID, UpdateVideoInput{})
	if err != nil || same.Title != "Dinner" {
		t.Fatalf("empty patch: %v %+v", err, same)
	}
}

func TestUploadVideoEnqueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := "fake-mp4-bytes"
	v, job, err := f.app.UploadVideo(ctx, alice, UploadInput{
		Filename:    "holiday trip.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if v.Title != "holiday trip" {
		t.Fatalf("title = %q, want filename stem", v.Title)
	}
	if v.IngestJobID != job.ID || job.VideoID != v.ID || job.Status != queue.StatusQueued {
		t.Fatalf("job not linked: video=%+v job=%+v", v, job)
	}
	if !strings.HasPrefix(v.URL, "https://cdn.example/videos/"+v.ID+"/source") {
		t.Fatalf("url = %q", v.URL)
	}
	if f.objects.Len() != 1 {
		t.Fatalf("objects = %d, want 1", f.objects.Len())
	}

	status, err := f.app.VideoStatus(ctx, alice, v.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ID != job.ID {
		t.Fatalf("status job = %q, want %q", status.ID, job.ID)
	}
	if _, err := f.app.VideoStatus(ctx, bob, v.ID); !errors.Is(err, ErrVideoForbidden) {
		t.Fatalf("bob status: %v", err)
	}
}

func TestUploadVideoRejects(t *testing.T) {
	big := strings.Repeat("x", 600)
	tests := []struct {
		name     string
		filename string
		body     string
		putErr   error
		want     error
	}{
		{name: "unsupported extension", filename: "notes.pdf", body: "x", want: ErrUnsupportedType},
		{name: "oversize", filename: "a.mp4", body: big, want: ErrTooLarge},
		{name: "storage permission denied", filename: "a.mp4", body: "x", putErr: storage.ErrPermissionDenied, want: ErrStoragePermission},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.putErr != nil {
				f.objects.PutHook = func(string) error { return fmt.Errorf("put: %w", tc.putErr) }
			}
			_, _, err := f.app.UploadVideo(context.Background(), alice, UploadInput{
				Filename: tc.filename,
				Size:     int64(len(tc.body)),
				Body:     strings.NewReader(tc.body),
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f.objects.Len() != 0 {
				t.Fatalf("rejected upload stored %d objects", f.objects.Len())
			}
			videos, err := f.app.ListVideos(context.Background(), alice)
			if err != nil || len(videos) != 0 {
				t.Fatalf("videos = %d, %v; want none", len(videos), err)
			}
		})
	}
}

type downQueue struct{}

func (downQueue) Enqueue(context.Context, string) (queue.JobStatus, error) {
	return queue.JobStatus{}, errors.New("redis: connection refused")
}

func (downQueue) GetJob(context.Context, string) (queue.JobStatus, bool, error) {
	return queue.JobStatus{}, false, nil
}

func TestUploadVideoEnqueueFailureDiscardsSource(t *testing.T) {
	f := newFixture(t)
	a, err := New(Config{
		Store:          f.store,
		Objects:        f.objects,
		Queue:          downQueue{},
		Describer:      f.describer,
		Chat:           f.chat,
		MaxUploadBytes: 512,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	_, _, err = a.UploadVideo(ctx, alice, UploadInput{Filename: "a.mp4", Size: 3, Body: strings.NewReader("abc")})
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("err = %v, want ErrQueueUnavailable", err)
	}
	if f.objects.Len() != 0 {
		t.Fatalf("source object kept after enqueue failure")
	}
	videos, err := a.ListVideos(ctx, alice)
	if err != nil || len(videos) != 0 {
		t.Fatalf("videos = %d, %v; want none listed", len(videos), err)
	}
}

func TestVideoStatusWithoutJob(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t, alice)
	if _, err := f.app.VideoStatus(context.Background(), alice, v.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestAnalyzeFrameIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)
	in := FrameInput{VideoID: v.ID, FrameURL: v.FrameURLs[0], Position: 0}

	first, err := f.app.AnalyzeFrame(ctx, alice, in)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Status != analysis.StatusCreated || first.Analysis.Description != "a frame of Cooking" {
		t.Fatalf("first = %+v", first)
	}
	second, err := f.app.AnalyzeFrame(ctx, alice, in)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.Status != analysis.StatusExisting || second.Analysis.ID != first.Analysis.ID {
		t.Fatalf("second = %+v", second)
	}
	if f.describer.calls != 1 {
		t.Fatalf("describer calls = %d, want 1", f.describer.calls)
	}
	if _, err := f.app.AnalyzeFrame(ctx, bob, in); !errors.Is(err, ErrVideoForbidden) {
		t.Fatalf("bob analyze: %v", err)
	}
}

func TestStartChatNotReady(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t, alice)
	_, err := f.app.StartChat(context.Background(), alice, ChatInput{VideoID: v.ID, Message: "hi"})
	if !errors.Is(err, chatctx.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if f.chat.calls != 0 {
		t.Fatalf("model called for unready video")
	}
}

func TestStartChatPersistsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)
	if _, err := f.app.AnalyzeFrame(ctx, alice, FrameInput{VideoID: v.ID, FrameURL: v.FrameURLs[0], Position: 0}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	turn, err := f.app.StartChat(ctx, alice, ChatInput{VideoID: v.ID, Message: "What is cooking?"})
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	if turn.Model != "test-model" {
		t.Fatalf("model = %q", turn.Model)
	}
	if err := turn.Persist(ctx, "It is pasta."); err != nil {
		t.Fatalf("persist: %v", err)
	}
	msgs, err := f.app.Messages(ctx, alice, v.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUserMessage || msgs[1].Role != domain.RoleAssistantMessage {
		t.Fatalf("messages = %+v", msgs)
	}
	last := f.chat.messages[len(f.chat.messages)-1]
	if last.Role != domain.RoleUserMessage || last.Content != "What is cooking?" {
		t.Fatalf("last prompt message = %+v", last)
	}

	other, err := f.app.Messages(ctx, alice, f.createVideo(t, alice).ID)
	if err != nil || len(other) != 0 {
		t.Fatalf("fresh video messages = %v %+v", err, other)
	}
}

func TestStartChatTranscriptInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)
	if _, err := f.app.AnalyzeFrame(ctx, alice, FrameInput{VideoID: v.ID, FrameURL: v.FrameURLs[0], Position: 0}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	_, err := f.app.StartChat(ctx, alice, ChatInput{VideoID: v.ID, Messages: []ChatMessage{
		{Role: "user", Content: "first?"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second?"},
	}})
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	got := f.chat.messages
	if len(got) != 4 {
		t.Fatalf("prompt = %d messages, want system + 2 history + question", len(got))
	}
	if got[1].Content != "first?" || got[2].Content != "first answer" || got[3].Content != "second?" {
		t.Fatalf("prompt = %+v", got)
	}
}

func TestStartChatModelFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVideo(t, alice)
	if _, err := f.app.AnalyzeFrame(ctx, alice, FrameInput{VideoID: v.ID, FrameURL: v.FrameURLs[0], Position: 0}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	f.chat.err = errors.New("boom")
	if _, err := f.app.StartChat(ctx, alice, ChatInput{VideoID: v.ID, Message: "hi"}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}
