// Package frames samples still images from a video file.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"videochat/internal/util"
)

var (
	// ErrMetadata reports an unreadable or zero-length video.
	ErrMetadata = errors.New("frames: video metadata unavailable")
	// ErrSeek reports a sample timestamp that could not be decoded.
	ErrSeek = errors.New("frames: seek failed")
	// ErrTooLong reports a video above the configured maximum duration.
	ErrTooLong = errors.New("frames: video too long")
)

// Metadata describes the decoded video stream.
type Metadata struct {
	Duration float64
	Width    int
	Height   int
}

// Prober reads video metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// Grabber decodes the frame shown at timestamp t (seconds).
type Grabber interface {
	Grab(ctx context.Context, path string, t float64) (image.Image, error)
}

// Frame is one encoded sample. Position is its index in the sample plan.
type Frame struct {
	Position  int
	Timestamp float64
	Width     int
	Height    int
	Data      []byte
}

// Config holds extraction tunables.
type Config struct {
	MaxFrames    int
	MaxDimension int
	JPEGQuality  int
	// MaxDuration in seconds; zero disables the check.
	MaxDuration float64
}

// Extractor turns a local video file into an ordered list of JPEG frames.
type Extractor struct {
	prober  Prober
	grabber Grabber
	cfg     Config
}

// NewExtractor builds an Extractor; unset tunables get defaults.
func NewExtractor(p Prober, g Grabber, cfg Config) *Extractor {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 300
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 720
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 75
	}
	return &Extractor{prober: p, grabber: g, cfg: cfg}
}

// Extract samples the video at path. Any metadata or seek failure aborts the
// whole extraction; no partial frame list is returned.
func (e *Extractor) Extract(ctx context.Context, path string) ([]Frame, error) {
	meta, err := e.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if meta.Duration <= 0 || math.IsNaN(meta.Duration) || math.IsInf(meta.Duration, 0) {
		return nil, fmt.Errorf("%w: duration %v", ErrMetadata, meta.Duration)
	}
	if e.cfg.MaxDuration > 0 && meta.Duration > e.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: %.0fs exceeds %.0fs", ErrTooLong, meta.Duration, e.cfg.MaxDuration)
	}

	plan := Plan(meta.Duration, e.cfg.MaxFrames)
	logger := util.LoggerFromContext(ctx)
	logger.Info("frame_plan", "duration", meta.Duration, "width", meta.Width, "height", meta.Height, "samples", len(plan))

	out := make([]Frame, 0, len(plan))
	for pos, t := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := e.grabber.Grab(ctx, path, t)
		if err != nil {
			return nil, fmt.Errorf("%w: position %d at %.1fs: %v", ErrSeek, pos, t, err)
		}
		img = Downscale(img, e.cfg.MaxDimension)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", pos, err)
		}
		b := img.Bounds()
		out = append(out, Frame{
			Position:  pos,
			Timestamp: t,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Data:      buf.Bytes(),
		})
	}
	return out, nil
}

// Downscale returns img resized to fit within maxDim on both sides.
func Downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := ScaledSize(b.Dx(), b.Dy(), maxDim)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
