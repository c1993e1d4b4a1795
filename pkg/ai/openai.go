package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"videochat/pkg/domain"
)

const (
	frameSystemPrompt = "You are a descriptive assistant that provides detailed observations of video frames. " +
		"Describe what you see in this frame from the video with specific details about objects, people, actions, text, and setting. " +
		"Be concise but complete."
	// NoDescription is returned when the model answers with empty content.
	NoDescription = "No description available"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	VisionModel       string
	VisionMaxTokens   int
	VisionTemperature float32

	ChatModel       string
	ChatMaxTokens   int
	ChatTemperature float32

	// Timeout bounds each non-streaming call, the opening of a stream and
	// every wait for the next stream delta.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIClient implements FrameDescriber and ChatCompleter with go-openai.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIClient builds a client, filling unset tunables with defaults.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key required")
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gpt-4o-mini"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.VisionMaxTokens <= 0 {
		cfg.VisionMaxTokens = 300
	}
	if cfg.ChatMaxTokens <= 0 {
		cfg.ChatMaxTokens = 500
	}
	if cfg.VisionTemperature == 0 {
		cfg.VisionTemperature = 0.3
	}
	if cfg.ChatTemperature == 0 {
		cfg.ChatTemperature = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientConfig.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

// Model returns the chat model name reported in stream envelopes.
func (c *OpenAIClient) Model() string {
	return c.cfg.ChatModel
}

// DescribeFrame asks the vision model for a description of one frame.
func (c *OpenAIClient) DescribeFrame(ctx context.Context, videoTitle, imageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.VisionModel,
		MaxTokens:   c.cfg.VisionMaxTokens,
		Temperature: c.cfg.VisionTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: frameSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Describe this frame from the video \"%s\" in detail.", videoTitle)},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL, Detail: openai.ImageURLDetailLow}},
				},
			},
		},
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("describe frame: %w", err)
	}
	if len(resp.Choices) == 0 {
		return NoDescription, nil
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return NoDescription, nil
	}
	return text, nil
}

// StreamChat opens a streaming chat completion. Opening the stream and each
// wait for the next delta are bounded by the configured timeout.
func (c *OpenAIClient) StreamChat(ctx context.Context, messages []ChatMessage) (ChatStream, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		MaxTokens:   c.cfg.ChatMaxTokens,
		Temperature: c.cfg.ChatTemperature,
		Messages:    toOpenAIMessages(messages),
		Stream:      true,
	}
	stream, cancel, err := openWithin(ctx, c.cfg.Timeout, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		return c.client.CreateChatCompletionStream(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	return withIdleDeadline(&openAIStream{stream: stream}, c.cfg.Timeout, cancel), nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("chat stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openAIRole(m.Role)
		if len(m.ImageURLs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.ImageURLs)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, u := range m.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailLow},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

func openAIRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleSystemMessage:
		return openai.ChatMessageRoleSystem
	case domain.RoleAssistantMessage:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
