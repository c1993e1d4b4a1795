package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"videochat/pkg/domain"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	// maxOllamaImageBytes caps a fetched frame before it is inlined as base64.
	maxOllamaImageBytes = 10 << 20
)

// OllamaConfig configures the local Ollama provider.
type OllamaConfig struct {
	BaseURL     string
	VisionModel string
	ChatModel   string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OllamaClient implements FrameDescriber and ChatCompleter against the
// Ollama /api/chat endpoint. Ollama takes images inline, so frame URLs are
// fetched and base64 encoded before each call.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	cfg        OllamaConfig
}

// NewOllamaClient constructs a client, filling unset fields with defaults.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if strings.TrimSpace(cfg.VisionModel) == "" {
		cfg.VisionModel = "llava"
	}
	if strings.TrimSpace(cfg.ChatModel) == "" {
		return nil, errors.New("ollama chat model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// no client-wide timeout: chat streams outlive a single call budget
		httpClient = &http.Client{}
	}
	return &OllamaClient{baseURL: baseURL, httpClient: httpClient, cfg: cfg}, nil
}

// Model returns the chat model name reported in stream envelopes.
func (c *OllamaClient) Model() string {
	return c.cfg.ChatModel
}

// DescribeFrame asks the vision model for a description of one frame.
func (c *OllamaClient) DescribeFrame(ctx context.Context, videoTitle, imageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	image, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("describe frame: %w", err)
	}
	reqBody := ollamaChatRequest{
		Model: c.cfg.VisionModel,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: frameSystemPrompt},
			{
				Role:    "user",
				Content: fmt.Sprintf("Describe this frame from the video \"%s\" in detail.", videoTitle),
				Images:  []string{image},
			},
		},
		Stream: false,
	}
	resp, err := c.post(ctx, "/api/chat", reqBody)
	if err != nil {
		return "", fmt.Errorf("describe frame: %w", err)
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("describe frame: decode: %w", err)
	}
	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return NoDescription, nil
	}
	return text, nil
}

// StreamChat opens a streaming chat. Image fetches, the response headers and
// each wait for the next chunk are bounded by the configured timeout.
func (c *OllamaClient) StreamChat(ctx context.Context, messages []ChatMessage) (ChatStream, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	converted := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		msg := ollamaChatMessage{Role: ollamaRole(m.Role), Content: m.Content}
		for _, u := range m.ImageURLs {
			image, err := c.fetchImage(connectCtx, u)
			if err != nil {
				return nil, fmt.Errorf("open chat stream: %w", err)
			}
			msg.Images = append(msg.Images, image)
		}
		converted = append(converted, msg)
	}

	body := ollamaChatRequest{Model: c.cfg.ChatModel, Messages: converted, Stream: true}
	resp, streamCancel, err := openWithin(ctx, c.cfg.Timeout, func(ctx context.Context) (*http.Response, error) {
		return c.post(ctx, "/api/chat", body)
	})
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	return withIdleDeadline(&ollamaStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, c.cfg.Timeout, streamCancel), nil
}

type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv decodes newline-delimited chunks until one carries content.
func (s *ollamaStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("chat stream: decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("chat stream: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
		if chunk.Done {
			return "", io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("chat stream: %w", err)
	}
	return "", io.EOF
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return resp, nil
}

func (c *OllamaClient) fetchImage(ctx context.Context, imageURL string) (string, error) {
	if data, ok := strings.CutPrefix(imageURL, "data:"); ok {
		if _, encoded, found := strings.Cut(data, ";base64,"); found {
			return encoded, nil
		}
		return "", errors.New("unsupported data url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	if len(raw) > maxOllamaImageBytes {
		return "", errors.New("fetch image: image too large")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func ollamaRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleSystemMessage:
		return "system"
	case domain.RoleAssistantMessage:
		return "assistant"
	default:
		return "user"
	}
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
