package chatctx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"videochat/pkg/ai"
	"videochat/pkg/domain"
	"videochat/pkg/store"
)

const (
	StrategyText   = "text"
	StrategyVision = "vision"
)

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string, st store.Store, visionFrames int) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyText:
		return TextGrounded{Store: st}, nil
	case StrategyVision:
		return VisionGrounded{MaxFrames: visionFrames}, nil
	default:
		return nil, fmt.Errorf("unknown chat strategy %q", name)
	}
}

// TextGrounded answers from the stored frame descriptions.
type TextGrounded struct {
	Store store.Store
}

func (TextGrounded) Name() string { return StrategyText }

func (s TextGrounded) Render(ctx context.Context, video domain.Video, question string, history []ai.ChatMessage) ([]ai.ChatMessage, error) {
	analyses, err := s.Store.ListFrameAnalyses(ctx, video.ID)
	if err != nil {
		return nil, fmt.Errorf("frame analyses: %w", err)
	}
	if len(analyses) == 0 {
		return nil, ErrNotReady
	}
	system := TextSystemPrompt(video, DescriptionBlock(analyses))
	return assemble(system, history, ai.ChatMessage{Role: domain.RoleUserMessage, Content: question}), nil
}

// DescriptionBlock renders analyses as "Frame <n>: <text>" paragraphs in
// position order.
func DescriptionBlock(analyses []domain.FrameAnalysis) string {
	sorted := append([]domain.FrameAnalysis(nil), analyses...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	parts := make([]string, 0, len(sorted))
	for _, fa := range sorted {
		parts = append(parts, fmt.Sprintf("Frame %d: %s", fa.Position+1, strings.TrimSpace(fa.Description)))
	}
	return strings.Join(parts, "\n\n")
}

// TextSystemPrompt embeds the video metadata and the description block.
func TextSystemPrompt(video domain.Video, block string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant that answers questions about videos. The user is asking about the video titled \"%s\".", video.Title)
	if d := strings.TrimSpace(video.Description); d != "" {
		fmt.Fprintf(&b, " The video description is: \"%s\".", d)
	}
	b.WriteString("\n\nI have analyzed the key frames from this video and will provide detailed descriptions of what I can see:\n\n")
	b.WriteString(block)
	b.WriteString("\n\nWhen answering questions:\n")
	b.WriteString("1. Use specific information from the frame descriptions to support your answers\n")
	b.WriteString("2. Reference visual elements mentioned in the descriptions\n")
	b.WriteString("3. If the frame descriptions don't contain information relevant to the question, explain what information is available and what might be missing\n")
	b.WriteString("4. Keep responses concise and focused on the question")
	return b.String()
}

// VisionGrounded sends evenly spaced frame images with the question.
type VisionGrounded struct {
	MaxFrames int
}

func (VisionGrounded) Name() string { return StrategyVision }

func (s VisionGrounded) Render(_ context.Context, video domain.Video, question string, history []ai.ChatMessage) ([]ai.ChatMessage, error) {
	picked := SpreadFrames(video.FrameURLs, s.MaxFrames)
	if len(picked) == 0 {
		return nil, ErrNotReady
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant that answers questions about videos. The user is asking about the video titled \"%s\".", video.Title)
	if d := strings.TrimSpace(video.Description); d != "" {
		fmt.Fprintf(&b, " The video description is: \"%s\".", d)
	}
	fmt.Fprintf(&b, "\n\nThe user's message includes %d key frames from the video in chronological order. ", len(picked))
	b.WriteString("Base your answer on what is visible in them, and say so when they do not show what the question asks about. Keep responses concise.")
	user := ai.ChatMessage{Role: domain.RoleUserMessage, Content: question, ImageURLs: picked}
	return assemble(b.String(), history, user), nil
}

// SpreadFrames picks up to k URLs at indices i*n/k.
func SpreadFrames(urls []string, k int) []string {
	n := len(urls)
	if k <= 0 {
		k = 6
	}
	if n <= k {
		return append([]string(nil), urls...)
	}
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, urls[i*n/k])
	}
	return out
}

func assemble(system string, history []ai.ChatMessage, question ai.ChatMessage) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(history)+2)
	out = append(out, ai.ChatMessage{Role: domain.RoleSystemMessage, Content: system})
	out = append(out, history...)
	return append(out, question)
}
