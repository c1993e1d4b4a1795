// Package analysis turns uploaded frames into stored text descriptions.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"videochat/internal/retry"
	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/domain"
	"videochat/pkg/store"
)

type Status string

const (
	StatusSkipped  Status = "skipped"
	StatusExisting Status = "existing"
	StatusCreated  Status = "created"
	StatusDegraded Status = "degraded"
)

// FrameRef identifies one frame to analyze.
type FrameRef struct {
	VideoID  string
	Title    string
	Position int
	FrameURL string
}

// Result is the outcome of one dispatch. Analysis is empty for StatusSkipped.
type Result struct {
	Status   Status
	Analysis domain.FrameAnalysis
}

type Config struct {
	BatchSize      int
	AttemptTimeout time.Duration
}

// Dispatcher describes frames with a vision model and persists the text.
type Dispatcher struct {
	describer ai.FrameDescriber
	store     store.Store
	cfg       Config
}

func NewDispatcher(describer ai.FrameDescriber, st store.Store, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	return &Dispatcher{describer: describer, store: st, cfg: cfg}
}

// NewSession starts a dispatch session. Each session de-duplicates frame
// URLs on its own; sessions never share that state.
func (d *Dispatcher) NewSession() *Session {
	return &Session{d: d, seen: make(map[string]struct{})}
}

// Session is a unit of dispatch work, usually one ingest job or one request.
type Session struct {
	d    *Dispatcher
	mu   sync.Mutex
	seen map[string]struct{}
}

func (s *Session) claim(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[url]; ok {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// release drops a claim whose dispatch failed, so the URL can be retried.
func (s *Session) release(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, url)
}

// Dispatch analyzes one frame at most once. It returns an existing analysis
// without calling the model, and stores a sentinel description when the
// model fails twice. Only store failures and cancellation are returned as
// errors, and either leaves the URL unclaimed in the session.
func (s *Session) Dispatch(ctx context.Context, ref FrameRef) (Result, error) {
	if strings.TrimSpace(ref.FrameURL) == "" || strings.TrimSpace(ref.VideoID) == "" {
		return Result{}, fmt.Errorf("frame ref requires videoId and frameUrl")
	}
	if !s.claim(ref.FrameURL) {
		return Result{Status: StatusSkipped}, nil
	}
	logger := util.LoggerFromContext(ctx).With("video_id", ref.VideoID, "position", ref.Position)

	existing, ok, err := s.d.store.FindFrameAnalysis(ctx, ref.VideoID, ref.Position, ref.FrameURL)
	if err != nil {
		s.release(ref.FrameURL)
		return Result{}, fmt.Errorf("find frame analysis: %w", err)
	}
	if ok {
		return Result{Status: StatusExisting, Analysis: existing}, nil
	}

	var description string
	status := StatusCreated
	err = retry.Once(s.d.cfg.AttemptTimeout).Do(ctx, func(actx context.Context) error {
		text, err := s.d.describer.DescribeFrame(actx, ref.Title, ref.FrameURL)
		if err != nil {
			return err
		}
		description = text
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.release(ref.FrameURL)
			return Result{}, ctx.Err()
		}
		logger.Warn("frame_describe_failed", "err", err)
		description = domain.FrameAnalysisErrorDescription
		status = StatusDegraded
	}

	saved, created, err := s.d.store.SaveFrameAnalysis(ctx, domain.FrameAnalysis{
		VideoID:     ref.VideoID,
		Position:    ref.Position,
		FrameURL:    ref.FrameURL,
		Description: description,
	})
	if err != nil {
		s.release(ref.FrameURL)
		return Result{}, fmt.Errorf("save frame analysis: %w", err)
	}
	if !created {
		// Another worker stored this frame first.
		return Result{Status: StatusExisting, Analysis: saved}, nil
	}
	return Result{Status: status, Analysis: saved}, nil
}

// DispatchAll runs refs in batches; each batch finishes before the next
// starts. Results are indexed like refs.
func (s *Session) DispatchAll(ctx context.Context, refs []FrameRef) ([]Result, error) {
	results := make([]Result, len(refs))
	logger := util.LoggerFromContext(ctx)
	for start := 0; start < len(refs); start += s.d.cfg.BatchSize {
		end := min(start+s.d.cfg.BatchSize, len(refs))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := s.Dispatch(gctx, refs[i])
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		logger.Info("analysis_batch_done", "batch_start", start, "batch_end", end)
	}
	return results, nil
}

// Summary counts results by status.
func Summary(results []Result) map[Status]int {
	out := make(map[Status]int, 4)
	for _, r := range results {
		out[r.Status]++
	}
	return out
}
