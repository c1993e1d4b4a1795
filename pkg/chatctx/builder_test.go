package chatctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"videochat/pkg/ai"
	"videochat/pkg/domain"
	"videochat/pkg/store"
)

var alice = domain.User{ID: "alice", Role: domain.RoleUser}

func seedAnalyses(t *testing.T, st store.Store, videoID string, positions ...int) {
	t.Helper()
	for _, pos := range positions {
		if _, _, err := st.SaveFrameAnalysis(context.Background(), domain.FrameAnalysis{
			VideoID:     videoID,
			Position:    pos,
			FrameURL:    fmt.Sprintf("https://cdn.example/f%d.jpg", pos),
			Description: fmt.Sprintf("  scene %d  ", pos),
		}); err != nil {
			t.Fatalf("seed analysis: %v", err)
		}
	}
}

func TestBuildTextGroundedOrdersFrames(t *testing.T) {
	st := store.NewMemoryStore()
	seedAnalyses(t, st, "v1", 2, 0, 1)
	b := NewBuilder(st, TextGrounded{Store: st}, 10)

	p, err := b.Build(context.Background(), Request{
		User:     alice,
		Video:    domain.Video{ID: "v1", Title: "Cooking", Description: "pasta night"},
		Question: "What happens at 0:05?",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("messages = %d, want system + question", len(p.Messages))
	}
	system := p.Messages[0].Content
	if p.Messages[0].Role != domain.RoleSystemMessage {
		t.Fatalf("first role = %s", p.Messages[0].Role)
	}
	i1 := strings.Index(system, "Frame 1: scene 0")
	i2 := strings.Index(system, "Frame 2: scene 1")
	i3 := strings.Index(system, "Frame 3: scene 2")
	if i1 < 0 || i2 < i1 || i3 < i2 {
		t.Fatalf("frames missing or out of order:\n%s", system)
	}
	if strings.Count(system, "Frame ") != 3 {
		t.Fatalf("expected exactly three frame lines:\n%s", system)
	}
	for _, want := range []string{`titled "Cooking"`, `The video description is: "pasta night".`, "Keep responses concise"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
	if last := p.Messages[1]; last.Role != domain.RoleUserMessage || last.Content != "What happens at 0:05?" {
		t.Fatalf("unexpected question message: %+v", last)
	}
	stored, _ := st.ListMessages(context.Background(), p.Conversation.ID)
	if len(stored) != 1 || stored[0].Content != "What happens at 0:05?" {
		t.Fatalf("question not persisted: %+v", stored)
	}
}

func TestBuildNotReadyWithoutAnalyses(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewBuilder(st, TextGrounded{Store: st}, 10)
	_, err := b.Build(context.Background(), Request{User: alice, Video: domain.Video{ID: "v1"}, Question: "hi"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestBuildHistoryFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	seedAnalyses(t, st, "v1", 0)
	conv, _ := st.FindOrCreateConversation(context.Background(), "v1", alice.ID)
	for i := 0; i < 12; i++ {
		role := domain.RoleUserMessage
		if i%2 == 1 {
			role = domain.RoleAssistantMessage
		}
		_ = st.AppendMessage(context.Background(), domain.Message{ConversationID: conv.ID, Role: role, Content: fmt.Sprintf("m%d", i)})
	}
	b := NewBuilder(st, TextGrounded{Store: st}, 10)
	p, err := b.Build(context.Background(), Request{User: alice, Video: domain.Video{ID: "v1"}, Question: "next?"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	history := p.Messages[1 : len(p.Messages)-1]
	if len(history) != 10 {
		t.Fatalf("history = %d, want 10", len(history))
	}
	if history[0].Content != "m2" || history[9].Content != "m11" {
		t.Fatalf("unexpected history window: first=%q last=%q", history[0].Content, history[9].Content)
	}
}

func TestBuildDoesNotDuplicateRetriedQuestion(t *testing.T) {
	st := store.NewMemoryStore()
	seedAnalyses(t, st, "v1", 0)
	b := NewBuilder(st, TextGrounded{Store: st}, 10)
	req := Request{User: alice, Video: domain.Video{ID: "v1"}, Question: "who is there?"}
	first, err := b.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := b.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.UserMessage.ID == "" || first.UserMessage.CreatedAt.IsZero() {
		t.Fatalf("user message missing id or time: %+v", first.UserMessage)
	}
	if first.UserMessage.ID != second.UserMessage.ID || first.UserMessage.Content != second.UserMessage.Content {
		t.Fatalf("different user messages: %+v vs %+v", first.UserMessage, second.UserMessage)
	}
	stored, _ := st.ListMessages(context.Background(), first.Conversation.ID)
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	if stored[0].ID != first.UserMessage.ID {
		t.Fatalf("stored id = %q, returned %q", stored[0].ID, first.UserMessage.ID)
	}
	if len(second.Messages) != 2 {
		t.Fatalf("retried question leaked into history: %+v", second.Messages)
	}
}

func TestBuildUsesPriorTranscript(t *testing.T) {
	st := store.NewMemoryStore()
	seedAnalyses(t, st, "v1", 0)
	b := NewBuilder(st, TextGrounded{Store: st}, 10)
	prior := []ai.ChatMessage{
		{Role: domain.RoleUserMessage, Content: "first"},
		{Role: domain.RoleAssistantMessage, Content: "answer"},
		{Role: domain.RoleUserMessage, Content: "second"},
	}
	p, err := b.Build(context.Background(), Request{User: alice, Video: domain.Video{ID: "v1"}, Question: "second", Prior: prior})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.Messages) != 4 {
		t.Fatalf("messages = %d, want system + 2 history + question", len(p.Messages))
	}
	if p.Messages[1].Content != "first" || p.Messages[2].Content != "answer" || p.Messages[3].Content != "second" {
		t.Fatalf("unexpected messages: %+v", p.Messages)
	}
}

func TestVisionGrounded(t *testing.T) {
	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("u%d", i)
	}
	msgs, err := VisionGrounded{MaxFrames: 6}.Render(context.Background(), domain.Video{ID: "v1", Title: "T", FrameURLs: urls}, "what?", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	last := msgs[len(msgs)-1]
	if got := strings.Join(last.ImageURLs, ","); got != "u0,u1,u3,u5,u6,u8" {
		t.Fatalf("picked frames = %s", got)
	}
	if _, err := (VisionGrounded{}).Render(context.Background(), domain.Video{ID: "v2"}, "what?", nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestNewStrategy(t *testing.T) {
	st := store.NewMemoryStore()
	for name, want := range map[string]string{"": StrategyText, "text": StrategyText, "Vision": StrategyVision} {
		s, err := NewStrategy(name, st, 6)
		if err != nil || s.Name() != want {
			t.Fatalf("NewStrategy(%q) = %v, %v", name, s, err)
		}
	}
	if _, err := NewStrategy("audio", st, 6); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}
