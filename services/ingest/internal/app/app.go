package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/analysis"
	"videochat/pkg/domain"
	"videochat/pkg/frames"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
	"videochat/pkg/upload"
)

// ErrVideoMissing reports a job whose video record no longer exists.
var ErrVideoMissing = errors.New("ingest: video not found")

// ErrNoSource reports a video without an uploaded source file.
var ErrNoSource = errors.New("ingest: video has no source object")

// FrameExtractor samples a local video file.
type FrameExtractor interface {
	Extract(ctx context.Context, path string) ([]frames.Frame, error)
}

// Config holds runtime configuration.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Extractor FrameExtractor
	Describer ai.FrameDescriber

	UploadBatchSize   int
	UploadTimeout     time.Duration
	AnalysisBatchSize int
	AnalysisTimeout   time.Duration
	// TempDir holds downloaded sources while a job runs; empty means os.TempDir.
	TempDir string
}

// App runs the ingest pipeline for one video per job.
type App struct {
	store      store.Store
	objects    storage.ObjectStore
	extractor  FrameExtractor
	uploader   *upload.Coordinator
	dispatcher *analysis.Dispatcher
	tempDir    string
}

// New constructs the ingest pipeline.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("frame extractor required")
	}
	if cfg.Describer == nil {
		return nil, errors.New("frame describer required")
	}
	return &App{
		store:     cfg.Store,
		objects:   cfg.Objects,
		extractor: cfg.Extractor,
		uploader: upload.NewCoordinator(cfg.Objects, cfg.Store, upload.Config{
			BatchSize:      cfg.UploadBatchSize,
			AttemptTimeout: cfg.UploadTimeout,
		}),
		dispatcher: analysis.NewDispatcher(cfg.Describer, cfg.Store, analysis.Config{
			BatchSize:      cfg.AnalysisBatchSize,
			AttemptTimeout: cfg.AnalysisTimeout,
		}),
		tempDir: cfg.TempDir,
	}, nil
}

// Ready checks the database.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// HandleJob is the queue handler. Failures that a retry cannot fix are
// wrapped with queue.Permanent; every failure is recorded on the video.
func (a *App) HandleJob(ctx context.Context, job queue.JobStatus) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "video_id", job.VideoID, "attempt", job.Attempts)
	ctx = util.ContextWithLogger(ctx, logger)
	started := time.Now()

	video, err := a.Process(ctx, job.VideoID)
	if err != nil {
		permanent := isFatal(err)
		logger.Error("ingest_failed", "err", err, "permanent", permanent)
		if !errors.Is(err, ErrVideoMissing) {
			a.recordFailure(ctx, job.VideoID, err)
		}
		if permanent {
			return queue.Permanent(err)
		}
		return err
	}
	logger.Info("ingest_done", "frames", len(video.FrameURLs), "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// Process downloads, samples, uploads, analyzes and finalizes one video.
// Every stage is idempotent, so a re-run after a partial failure resumes.
func (a *App) Process(ctx context.Context, videoID string) (domain.Video, error) {
	logger := util.LoggerFromContext(ctx)
	video, ok, err := a.store.GetVideo(ctx, videoID)
	if err != nil {
		return domain.Video{}, fmt.Errorf("load video: %w", err)
	}
	if !ok {
		return domain.Video{}, ErrVideoMissing
	}
	if video.IsRemoved {
		logger.Info("ingest_skipped_removed")
		return video, nil
	}
	if video.StorageKey == "" {
		return domain.Video{}, ErrNoSource
	}

	workDir, err := os.MkdirTemp(a.tempDir, "ingest-*")
	if err != nil {
		return domain.Video{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath, err := a.download(ctx, video.StorageKey, workDir)
	if err != nil {
		return domain.Video{}, err
	}

	extracted, err := a.extractor.Extract(ctx, srcPath)
	if err != nil {
		return domain.Video{}, fmt.Errorf("extract frames: %w", err)
	}
	if len(extracted) == 0 {
		return domain.Video{}, fmt.Errorf("extract frames: %w: no samples", frames.ErrMetadata)
	}
	logger.Info("frames_extracted", "count", len(extracted))

	urls, err := a.uploader.UploadFrames(ctx, video.ID, extracted)
	if err != nil {
		return domain.Video{}, err
	}

	refs := make([]analysis.FrameRef, len(urls))
	for i, u := range urls {
		refs[i] = analysis.FrameRef{VideoID: video.ID, Title: video.Title, Position: i, FrameURL: u}
	}
	results, err := a.dispatcher.NewSession().DispatchAll(ctx, refs)
	if err != nil {
		return domain.Video{}, fmt.Errorf("analyze frames: %w", err)
	}
	summary := analysis.Summary(results)
	logger.Info("frames_analyzed",
		"created", summary[analysis.StatusCreated],
		"existing", summary[analysis.StatusExisting],
		"degraded", summary[analysis.StatusDegraded],
		"skipped", summary[analysis.StatusSkipped],
	)

	return a.uploader.Finalize(ctx, video.ID, urls)
}

func (a *App) download(ctx context.Context, key, dir string) (string, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("download source: %w", err)
	}
	defer rc.Close()
	dst := filepath.Join(dir, "source"+path.Ext(key))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("download source: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write source file: %w", err)
	}
	return dst, nil
}

func (a *App) recordFailure(ctx context.Context, videoID string, cause error) {
	msg := failureMessage(cause)
	if _, _, err := a.store.UpdateVideo(context.WithoutCancel(ctx), videoID, domain.VideoPatch{ProcessingError: &msg}); err != nil {
		util.LoggerFromContext(ctx).Error("record_processing_error_failed", "err", err)
	}
}

// isFatal reports errors that fail the same way on every attempt.
func isFatal(err error) bool {
	switch {
	case errors.Is(err, ErrVideoMissing),
		errors.Is(err, ErrNoSource),
		errors.Is(err, upload.ErrVideoNotFound),
		errors.Is(err, frames.ErrMetadata),
		errors.Is(err, frames.ErrSeek),
		errors.Is(err, frames.ErrTooLong),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrPermissionDenied),
		errors.Is(err, storage.ErrTooLarge):
		return true
	}
	return false
}

// failureMessage is the client-facing processingError text.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, frames.ErrTooLong):
		return "video is too long to process"
	case errors.Is(err, frames.ErrMetadata):
		return "could not read video metadata"
	case errors.Is(err, frames.ErrSeek):
		return "could not decode video frames"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrNoSource):
		return "source video is missing"
	case errors.Is(err, storage.ErrPermissionDenied):
		return "storage permission denied"
	case errors.Is(err, storage.ErrTooLarge):
		return "frame exceeds storage size limit"
	default:
		return "processing failed"
	}
}
