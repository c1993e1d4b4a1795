package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeStream struct {
	deltas []string
	failAt int
	closed bool
}

func (f *fakeStream) Recv() (string, error) {
	if f.failAt == 0 {
		return "", errors.New("upstream 500")
	}
	if len(f.deltas) == 0 {
		return "", io.EOF
	}
	f.failAt--
	d := f.deltas[0]
	f.deltas = f.deltas[1:]
	return d, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func records(body string) []string {
	var out []string
	for _, rec := range strings.Split(body, "\n\n") {
		if rec == "" {
			continue
		}
		out = append(out, strings.TrimPrefix(rec, "data: "))
	}
	return out
}

func fixedRelay() Relay {
	return Relay{Model: "gpt-4o-mini", Now: func() time.Time { return time.UnixMilli(1700000000123) }}
}

func TestServeStreamsChunksAndPersists(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := &fakeStream{deltas: []string{"The ", "cat ", "jumps."}, failAt: -1}
	var persisted string

	reply, err := fixedRelay().Serve(context.Background(), rec, stream, func(_ context.Context, content string) error {
		persisted = content
		return nil
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if reply != "The cat jumps." || persisted != reply {
		t.Fatalf("reply=%q persisted=%q", reply, persisted)
	}
	if !stream.closed {
		t.Fatal("stream not closed")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-transform" {
		t.Fatalf("cache-control = %q", got)
	}

	recs := records(rec.Body.String())
	if len(recs) != 6 {
		t.Fatalf("records = %d, want role + 3 deltas + stop + DONE:\n%s", len(recs), rec.Body.String())
	}
	if recs[5] != "[DONE]" {
		t.Fatalf("last record = %q", recs[5])
	}

	var role chunk
	if err := json.Unmarshal([]byte(recs[0]), &role); err != nil {
		t.Fatalf("decode role chunk: %v", err)
	}
	if role.ID != "chatcmpl-1700000000123" || role.Object != "chat.completion.chunk" || role.Created != 1700000000 || role.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected envelope: %+v", role)
	}
	if role.Choices[0].Delta.Role != "assistant" || role.Choices[0].FinishReason != nil {
		t.Fatalf("unexpected role chunk: %+v", role.Choices[0])
	}

	var concat strings.Builder
	for _, r := range recs[1:4] {
		var c chunk
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			t.Fatalf("decode content chunk: %v", err)
		}
		concat.WriteString(c.Choices[0].Delta.Content)
	}
	if concat.String() != persisted {
		t.Fatalf("streamed %q, persisted %q", concat.String(), persisted)
	}

	var stop chunk
	_ = json.Unmarshal([]byte(recs[4]), &stop)
	if stop.Choices[0].FinishReason == nil || *stop.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected stop chunk: %s", recs[4])
	}
	if !strings.Contains(recs[4], `"delta":{}`) {
		t.Fatalf("stop chunk should carry an empty delta: %s", recs[4])
	}
}

func TestServeNoResponseWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	called := false
	_, err := fixedRelay().Serve(context.Background(), rec, &fakeStream{failAt: 0}, func(context.Context, string) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if rec.Body.Len() != 0 || called {
		t.Fatalf("expected nothing written or persisted, body=%q", rec.Body.String())
	}
}

func TestServeMidStreamFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	called := false
	_, err := fixedRelay().Serve(context.Background(), rec, &fakeStream{deltas: []string{"a", "b", "c"}, failAt: 2}, func(context.Context, string) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if called {
		t.Fatal("partial reply must not be persisted")
	}
	recs := records(rec.Body.String())
	n := len(recs)
	if n < 2 || recs[n-2] != `{"error":"Error generating response"}` || recs[n-1] != "[DONE]" {
		t.Fatalf("unexpected tail records: %q", recs)
	}
}

func TestServePersistFailureDoesNotBreakStream(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := fixedRelay().Serve(context.Background(), rec, &fakeStream{deltas: []string{"ok"}, failAt: -1}, func(context.Context, string) error {
		return errors.New("db down")
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", rec.Body.String())
	}
}
