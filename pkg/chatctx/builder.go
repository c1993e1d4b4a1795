// Package chatctx assembles the model prompt for a chat turn about a video.
package chatctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/domain"
	"videochat/pkg/store"
)

// ErrNotReady reports a video with nothing to ground an answer on yet.
var ErrNotReady = errors.New("chatctx: video has no analyzed frames yet")

// ErrEmptyQuestion reports a turn without user text.
var ErrEmptyQuestion = errors.New("chatctx: question is empty")

// Strategy renders the grounded prompt for one question.
type Strategy interface {
	Name() string
	Render(ctx context.Context, video domain.Video, question string, history []ai.ChatMessage) ([]ai.ChatMessage, error)
}

// Request is one chat turn. Prior, when set, is the caller-held transcript
// ending with the current question and replaces stored history.
type Request struct {
	User     domain.User
	Video    domain.Video
	Question string
	Prior    []ai.ChatMessage
}

// Prompt is the result of Build.
type Prompt struct {
	Conversation domain.Conversation
	UserMessage  domain.Message
	Messages     []ai.ChatMessage
}

// Builder persists the user turn and builds the message list for the model.
type Builder struct {
	store        store.Store
	strategy     Strategy
	historyLimit int
}

func NewBuilder(st store.Store, strategy Strategy, historyLimit int) *Builder {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Builder{store: st, strategy: strategy, historyLimit: historyLimit}
}

// Build runs one turn: find or create the conversation, persist the
// question, collect history and render the grounded prompt.
func (b *Builder) Build(ctx context.Context, req Request) (Prompt, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Prompt{}, ErrEmptyQuestion
	}
	conv, err := b.store.FindOrCreateConversation(ctx, req.Video.ID, req.User.ID)
	if err != nil {
		return Prompt{}, fmt.Errorf("conversation: %w", err)
	}

	recent, err := b.store.ListRecentMessages(ctx, conv.ID, b.historyLimit+1)
	if err != nil {
		return Prompt{}, fmt.Errorf("recent messages: %w", err)
	}
	userMsg, reused := unansweredDuplicate(recent, question)
	if !reused {
		userMsg = domain.Message{
			ID:             util.NewEntityID(),
			ConversationID: conv.ID,
			Role:           domain.RoleUserMessage,
			Content:        question,
			CreatedAt:      time.Now().UTC(),
		}
		if err := b.store.AppendMessage(ctx, userMsg); err != nil {
			return Prompt{}, fmt.Errorf("persist question: %w", err)
		}
	} else {
		recent = recent[:len(recent)-1]
	}

	var history []ai.ChatMessage
	if len(req.Prior) > 0 {
		history = priorHistory(req.Prior, b.historyLimit)
	} else {
		history = storedHistory(recent, b.historyLimit)
	}

	messages, err := b.strategy.Render(ctx, req.Video, question, history)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{Conversation: conv, UserMessage: userMsg, Messages: messages}, nil
}

// unansweredDuplicate returns the last message when it is the same question
// still waiting for a reply, so a client retry does not store it twice.
func unansweredDuplicate(recent []domain.Message, question string) (domain.Message, bool) {
	if len(recent) == 0 {
		return domain.Message{}, false
	}
	last := recent[len(recent)-1]
	if last.Role == domain.RoleUserMessage && strings.TrimSpace(last.Content) == question {
		return last, true
	}
	return domain.Message{}, false
}

func storedHistory(msgs []domain.Message, limit int) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleUserMessage && m.Role != domain.RoleAssistantMessage {
			continue
		}
		out = append(out, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func priorHistory(prior []ai.ChatMessage, limit int) []ai.ChatMessage {
	end := len(prior)
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Role == domain.RoleUserMessage {
			end = i
			break
		}
	}
	out := make([]ai.ChatMessage, 0, end)
	for _, m := range prior[:end] {
		if m.Role != domain.RoleUserMessage && m.Role != domain.RoleAssistantMessage {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
