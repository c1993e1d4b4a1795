// Package upload moves source videos and extracted frames into object
// storage and checkpoints frame URLs onto the video record.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"videochat/internal/retry"
	"videochat/internal/util"
	"videochat/pkg/domain"
	"videochat/pkg/frames"
	"videochat/pkg/storage"
	"videochat/pkg/store"
)

// ErrVideoNotFound reports a checkpoint against a missing video.
var ErrVideoNotFound = errors.New("upload: video not found")

// Config holds upload tunables.
type Config struct {
	BatchSize      int
	AttemptTimeout time.Duration
}

// Coordinator uploads frames in position order and keeps Video.FrameURLs a
// gap-free prefix of the produced frames.
type Coordinator struct {
	objects storage.ObjectStore
	store   store.Store
	cfg     Config
}

// NewCoordinator builds a Coordinator; unset tunables get defaults.
func NewCoordinator(objects storage.ObjectStore, st store.Store, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Coordinator{objects: objects, store: st, cfg: cfg}
}

// FrameKey is the deterministic object key of a frame, so re-runs hit
// the same objects.
func FrameKey(videoID string, f frames.Frame) string {
	return fmt.Sprintf("frames/%s/frame-%04d-%dms.jpg", videoID, f.Position, int64(f.Timestamp*1000))
}

// UploadSource stores the original video and returns its public URL.
// An object already stored under key counts as success.
func (c *Coordinator) UploadSource(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()
	if err := c.objects.Put(ctx, key, r, size, contentType); err != nil && !errors.Is(err, storage.ErrObjectExists) {
		return "", fmt.Errorf("upload source: %w", err)
	}
	return c.objects.PublicURL(key), nil
}

// UploadFrames uploads frames batch by batch. Frames inside a batch go up
// concurrently; results land at their position index. After each batch the
// resolved prefix is written to the video and the thumbnail is assigned once.
// Any frame that still fails after one retry aborts the submission.
func (c *Coordinator) UploadFrames(ctx context.Context, videoID string, items []frames.Frame) ([]string, error) {
	logger := util.LoggerFromContext(ctx).With("video_id", videoID)
	for i, f := range items {
		if f.Position != i {
			return nil, fmt.Errorf("frame at index %d has position %d", i, f.Position)
		}
	}
	v, ok, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("load video: %w", err)
	}
	if !ok {
		return nil, ErrVideoNotFound
	}
	// Keys are deterministic, so a list stored by an earlier run is already
	// a prefix of this one and must not shrink.
	persisted := min(len(v.FrameURLs), len(items))
	thumbnailDone := v.ThumbnailURL != ""
	urls := make([]string, len(items))

	policy := retry.Once(c.cfg.AttemptTimeout)
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, storage.ErrPermissionDenied) && !errors.Is(err, storage.ErrTooLarge)
	}

	for start := 0; start < len(items); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(items))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			f := items[i]
			g.Go(func() error {
				key := FrameKey(videoID, f)
				err := policy.Do(gctx, func(actx context.Context) error {
					err := c.objects.Put(actx, key, bytes.NewReader(f.Data), int64(len(f.Data)), "image/jpeg")
					if errors.Is(err, storage.ErrObjectExists) {
						return nil
					}
					return err
				})
				if err != nil {
					return fmt.Errorf("upload frame %d: %w", f.Position, err)
				}
				urls[f.Position] = c.objects.PublicURL(key)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("frame_batch_failed", "batch_start", start, "err", err)
			return nil, err
		}

		prefix := resolvedPrefix(urls)
		if prefix > persisted {
			if err := c.checkpoint(ctx, videoID, urls[:prefix]); err != nil {
				return nil, err
			}
			persisted = prefix
		}
		if !thumbnailDone && prefix > 0 {
			if _, err := c.store.SetThumbnailIfUnset(ctx, videoID, urls[0]); err != nil {
				return nil, fmt.Errorf("set thumbnail: %w", err)
			}
			thumbnailDone = true
		}
		logger.Info("frame_batch_uploaded", "batch_start", start, "batch_end", end, "persisted", persisted)
	}
	return urls, nil
}

// Finalize makes sure the stored frame list is complete, then marks the
// video processed.
func (c *Coordinator) Finalize(ctx context.Context, videoID string, urls []string) (domain.Video, error) {
	v, ok, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return domain.Video{}, fmt.Errorf("load video: %w", err)
	}
	if !ok {
		return domain.Video{}, ErrVideoNotFound
	}
	patch := domain.VideoPatch{}
	if len(v.FrameURLs) < len(urls) {
		util.LoggerFromContext(ctx).Warn("frame_list_corrected", "video_id", videoID, "stored", len(v.FrameURLs), "produced", len(urls))
		full := append([]string(nil), urls...)
		patch.FrameURLs = &full
	}
	if v.ThumbnailURL == "" && len(urls) > 0 {
		patch.ThumbnailURL = &urls[0]
	}
	processed := true
	patch.IsProcessed = &processed
	cleared := ""
	patch.ProcessingError = &cleared
	updated, ok, err := c.store.UpdateVideo(ctx, videoID, patch)
	if err != nil {
		return domain.Video{}, fmt.Errorf("finalize video: %w", err)
	}
	if !ok {
		return domain.Video{}, ErrVideoNotFound
	}
	return updated, nil
}

func (c *Coordinator) checkpoint(ctx context.Context, videoID string, prefix []string) error {
	list := append([]string(nil), prefix...)
	_, ok, err := c.store.UpdateVideo(ctx, videoID, domain.VideoPatch{FrameURLs: &list})
	if err != nil {
		return fmt.Errorf("checkpoint frame urls: %w", err)
	}
	if !ok {
		return ErrVideoNotFound
	}
	return nil
}

func resolvedPrefix(urls []string) int {
	for i, u := range urls {
		if u == "" {
			return i
		}
	}
	return len(urls)
}
