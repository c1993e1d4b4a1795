// Package relay forwards a model stream to an HTTP client as
// OpenAI-style chat.completion.chunk server-sent events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"videochat/internal/util"
	"videochat/pkg/ai"
)

var (
	// ErrNoResponse reports a provider failure before any delta arrived.
	// Nothing has been written to the client.
	ErrNoResponse = errors.New("relay: provider produced no response")
	// ErrInterrupted reports a failure after streaming started.
	ErrInterrupted = errors.New("relay: stream interrupted")
)

const streamErrorMessage = "Error generating response"

// PersistFunc stores the completed assistant reply.
type PersistFunc func(ctx context.Context, content string) error

// Relay writes the SSE protocol.
type Relay struct {
	Model string
	Now   func() time.Time
}

type chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Serve streams deltas to w. It closes stream before returning. On success
// the concatenated reply is passed to persist, detached from request
// cancellation; persist failures are logged and do not affect the client.
func (rl Relay) Serve(ctx context.Context, w http.ResponseWriter, stream ai.ChatStream, persist PersistFunc) (string, error) {
	defer stream.Close()
	logger := util.LoggerFromContext(ctx)

	first, err := stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	firstEOF := errors.Is(err, io.EOF)

	now := rl.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	base := chunk{
		ID:      fmt.Sprintf("chatcmpl-%d", started.UnixMilli()),
		Object:  "chat.completion.chunk",
		Created: started.Unix(),
		Model:   rl.Model,
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(d delta, finish *string) error {
		c := base
		c.Choices = []choice{{Index: 0, Delta: d, FinishReason: finish}}
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return writeRecord(w, rc, string(payload))
	}

	if err := send(delta{Role: "assistant"}, nil); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	var reply strings.Builder
	if !firstEOF {
		reply.WriteString(first)
		if err := send(delta{Content: first}, nil); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		for {
			d, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				logger.Error("chat_stream_failed", "err", err, "bytes_sent", reply.Len())
				_ = writeRecord(w, rc, fmt.Sprintf(`{"error":%q}`, streamErrorMessage))
				_ = writeRecord(w, rc, "[DONE]")
				return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
			reply.WriteString(d)
			if err := send(delta{Content: d}, nil); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
		}
	}

	stop := "stop"
	if err := send(delta{}, &stop); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := writeRecord(w, rc, "[DONE]"); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	content := reply.String()
	if content != "" && persist != nil {
		if err := persist(context.WithoutCancel(ctx), content); err != nil {
			logger.Error("chat_reply_persist_failed", "err", err)
		}
	}
	return content, nil
}

func writeRecord(w io.Writer, rc *http.ResponseController, data string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
