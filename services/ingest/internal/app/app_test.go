package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"videochat/pkg/domain"
	"videochat/pkg/frames"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
)

type fakeExtractor struct {
	count int
	err   error
	paths []string
}

func (f *fakeExtractor) Extract(_ context.Context, path string) ([]frames.Frame, error) {
	f.paths = append(f.paths, path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]frames.Frame, f.count)
	for i := range out {
		out[i] = frames.Frame{
			Position:  i,
			Timestamp: float64(i),
			Width:     4,
			Height:    3,
			Data:      append([]byte(fmt.Sprintf("frame-%d:", i)), data...),
		}
	}
	return out, nil
}

type countingDescriber struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (d *countingDescriber) DescribeFrame(_ context.Context, title, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return "", errors.New("vision model down")
	}
	return "frame of " + title + " at " + url[strings.LastIndex(url, "/")+1:], nil
}

type fixture struct {
	app       *App
	store     *store.MemoryStore
	objects   *storage.MemoryStore
	extractor *fakeExtractor
	describer *countingDescriber
}

func newFixture(t *testing.T, frameCount int) fixture {
	t.Helper()
	f := fixture{
		store:     store.NewMemoryStore(),
		objects:   storage.NewMemoryStore("https://cdn.example", 0),
		extractor: &fakeExtractor{count: frameCount},
		describer: &countingDescriber{},
	}
	var err error
	f.app, err = New(Config{
		Store:             f.store,
		Objects:           f.objects,
		Extractor:         f.extractor,
		Describer:         f.describer,
		UploadBatchSize:   3,
		AnalysisBatchSize: 4,
		TempDir:           t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return f
}

func (f fixture) seedVideo(t *testing.T, withSource bool) domain.Video {
	t.Helper()
	ctx := context.Background()
	key := "videos/v1/source.mp4"
	if withSource {
		if err := f.objects.Put(ctx, key, strings.NewReader("mp4"), 3, "video/mp4"); err != nil {
			t.Fatalf("seed source: %v", err)
		}
	}
	v := domain.Video{ID: "v1", OwnerID: "alice", Title: "Cooking", URL: f.objects.PublicURL(key), StorageKey: key}
	if err := f.store.CreateVideo(ctx, v); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	return v
}

func job(videoID string) queue.JobStatus {
	return queue.JobStatus{ID: "job-1", VideoID: videoID, Status: queue.StatusProcessing, Attempts: 1}
}

func TestHandleJobProcessesVideo(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.seedVideo(t, true)

	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	v, _, _ := f.store.GetVideo(ctx, "v1")
	if !v.IsProcessed || v.ProcessingError != "" {
		t.Fatalf("video not finalized: %+v", v)
	}
	if len(v.FrameURLs) != 7 {
		t.Fatalf("frameUrls = %d, want 7", len(v.FrameURLs))
	}
	for i, u := range v.FrameURLs {
		if !strings.Contains(u, fmt.Sprintf("frame-%04d-", i)) {
			t.Fatalf("frameUrls[%d] = %q is out of position", i, u)
		}
	}
	if v.ThumbnailURL != v.FrameURLs[0] {
		t.Fatalf("thumbnail = %q, want first frame", v.ThumbnailURL)
	}
	analyses, _ := f.store.ListFrameAnalyses(ctx, "v1")
	if len(analyses) != 7 {
		t.Fatalf("analyses = %d, want 7", len(analyses))
	}
	if f.objects.Len() != 8 {
		t.Fatalf("objects = %d, want source + 7 frames", f.objects.Len())
	}
	if len(f.extractor.paths) != 1 {
		t.Fatalf("extract calls = %d", len(f.extractor.paths))
	}
	if _, err := os.Stat(f.extractor.paths[0]); !os.IsNotExist(err) {
		t.Fatalf("downloaded source was not cleaned up: %v", err)
	}
}

func TestHandleJobRerunIsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedVideo(t, true)

	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	calls := f.describer.calls
	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.describer.calls != calls {
		t.Fatalf("re-run described frames again: %d -> %d", calls, f.describer.calls)
	}
	analyses, _ := f.store.ListFrameAnalyses(ctx, "v1")
	if len(analyses) != 5 {
		t.Fatalf("analyses = %d, want 5", len(analyses))
	}
	v, _, _ := f.store.GetVideo(ctx, "v1")
	if len(v.FrameURLs) != 5 {
		t.Fatalf("frameUrls = %d, want 5", len(v.FrameURLs))
	}
}

func TestHandleJobDegradesOnDescribeFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.describer.fail = true
	ctx := context.Background()
	f.seedVideo(t, true)

	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	analyses, _ := f.store.ListFrameAnalyses(ctx, "v1")
	for _, a := range analyses {
		if a.Description != domain.FrameAnalysisErrorDescription {
			t.Fatalf("description = %q, want sentinel", a.Description)
		}
	}
	if f.describer.calls != 4 {
		t.Fatalf("describe calls = %d, want one retry per frame", f.describer.calls)
	}
}

func TestHandleJobFatalErrors(t *testing.T) {
	tests := []struct {
		name       string
		withSource bool
		extractErr error
		wantMsg    string
	}{
		{name: "missing source object", withSource: false, wantMsg: "source video is missing"},
		{name: "unreadable metadata", withSource: true, extractErr: frames.ErrMetadata, wantMsg: "could not read video metadata"},
		{name: "seek failure", withSource: true, extractErr: fmt.Errorf("%w: position 3", frames.ErrSeek), wantMsg: "could not decode video frames"},
		{name: "too long", withSource: true, extractErr: frames.ErrTooLong, wantMsg: "video is too long to process"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 3)
			f.extractor.err = tc.extractErr
			ctx := context.Background()
			f.seedVideo(t, tc.withSource)

			err := f.app.HandleJob(ctx, job("v1"))
			if !queue.IsPermanent(err) {
				t.Fatalf("err = %v, want permanent", err)
			}
			v, _, _ := f.store.GetVideo(ctx, "v1")
			if v.IsProcessed || v.ProcessingError != tc.wantMsg {
				t.Fatalf("video = %+v, want processingError %q", v, tc.wantMsg)
			}
			if len(v.FrameURLs) != 0 {
				t.Fatalf("partial frames stored: %v", v.FrameURLs)
			}
		})
	}
}

func TestHandleJobTransientUploadFailure(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.seedVideo(t, true)
	f.objects.PutHook = func(key string) error {
		if strings.Contains(key, "frame-0002") {
			return errors.New("connection reset")
		}
		return nil
	}

	err := f.app.HandleJob(ctx, job("v1"))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable failure", err)
	}
	v, _, _ := f.store.GetVideo(ctx, "v1")
	if v.IsProcessed || v.ProcessingError != "processing failed" {
		t.Fatalf("video = %+v", v)
	}

	f.objects.PutHook = nil
	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	v, _, _ = f.store.GetVideo(ctx, "v1")
	if !v.IsProcessed || v.ProcessingError != "" || len(v.FrameURLs) != 4 {
		t.Fatalf("video after retry = %+v", v)
	}
}

func TestHandleJobMissingAndRemovedVideos(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	if err := f.app.HandleJob(ctx, job("ghost")); !queue.IsPermanent(err) || !errors.Is(err, ErrVideoMissing) {
		t.Fatalf("missing video err = %v", err)
	}

	f.seedVideo(t, true)
	removed := true
	if _, _, err := f.store.UpdateVideo(ctx, "v1", domain.VideoPatch{IsRemoved: &removed}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.app.HandleJob(ctx, job("v1")); err != nil {
		t.Fatalf("removed video err = %v", err)
	}
	if len(f.extractor.paths) != 0 {
		t.Fatalf("removed video was processed")
	}
}
