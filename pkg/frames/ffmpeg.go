package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FFmpeg probes with ffprobe and grabs single frames with ffmpeg.
type FFmpeg struct {
	FFprobePath string
	FFmpegPath  string
	// Timeout bounds each external command.
	Timeout time.Duration
}

func (f FFmpeg) bin(path, fallback string) string {
	if strings.TrimSpace(path) == "" {
		return fallback
	}
	return path
}

func (f FFmpeg) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// Probe implements Prober.
func (f FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	out, err := f.run(ctx, f.bin(f.FFprobePath, "ffprobe"),
		"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		return Metadata{}, err
	}
	return parseProbe(out)
}

// parseProbe reads duration and dimensions from `ffprobe -print_format json`.
// The container duration wins; the first video stream's is the fallback.
func parseProbe(out []byte) (Metadata, error) {
	if !gjson.ValidBytes(out) {
		return Metadata{}, fmt.Errorf("parse ffprobe output: invalid json")
	}
	doc := gjson.ParseBytes(out)
	video := doc.Get(`streams.#(codec_type=="video")`)
	if !video.Exists() {
		return Metadata{}, fmt.Errorf("no video stream")
	}
	meta := Metadata{
		Duration: doc.Get("format.duration").Float(),
		Width:    int(video.Get("width").Int()),
		Height:   int(video.Get("height").Int()),
	}
	if meta.Duration <= 0 {
		meta.Duration = video.Get("duration").Float()
	}
	return meta, nil
}

// Grab implements Grabber.
func (f FFmpeg) Grab(ctx context.Context, path string, t float64) (image.Image, error) {
	out, err := f.run(ctx, f.bin(f.FFmpegPath, "ffmpeg"),
		"-v", "error",
		"-ss", strconv.FormatFloat(t, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frame at %.3fs", t)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
