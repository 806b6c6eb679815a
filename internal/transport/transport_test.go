package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/vaultchat/internal/chat"
	"github.com/ashureev/vaultchat/internal/domain"
)

func feed(events ...chat.Event) <-chan chat.Event {
	ch := make(chan chat.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestStreamSSEFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	events := feed(
		chat.Event{Kind: chat.EventText, Text: "Hello\nworld"},
		chat.Event{Kind: chat.EventToolCall, ToolName: "obsidian_list_files_in_vault"},
		chat.Event{Kind: chat.EventMetadata, Metadata: &chat.Metadata{
			ConversationID:     "c1",
			UserMessageID:      "u1",
			AssistantMessageID: "a1",
		}},
	)
	require.NoError(t, StreamSSE(context.Background(), w, events, nil))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	want := "data: Hello\ndata: world\n\n" +
		"event: tool_call\ndata: {\"name\":\"obsidian_list_files_in_vault\"}\n\n" +
		"event: metadata\ndata: {\"conversationId\":\"c1\",\"userMessageId\":\"u1\",\"assistantMessageId\":\"a1\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestStreamSSETextOnlyTurn(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	events := feed(
		chat.Event{Kind: chat.EventText, Text: "a.md"},
		chat.Event{Kind: chat.EventText, Text: ", b.md"},
	)
	require.NoError(t, StreamSSE(context.Background(), w, events, nil))

	assert.Equal(t, "data: a.md\n\ndata: , b.md\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "event:")
}

func TestStreamSSEErrorAndActionCardFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	card := &domain.ActionCard{ID: "card-1", Title: "Delete notes/old.md", Status: domain.CardPending}
	events := feed(
		chat.Event{Kind: chat.EventActionCard, Card: card},
		chat.Event{Kind: chat.EventError, Err: errors.New("model stream: boom")},
	)
	require.NoError(t, StreamSSE(context.Background(), w, events, nil))

	body := rec.Body.String()
	assert.Contains(t, body, "event: action_card\ndata: {\"id\":\"card-1\",\"title\":\"Delete notes/old.md\",\"status\":\"Pending\"")
	assert.Contains(t, body, "event: error\ndata: {\"error\":\"model stream: boom\"}\n\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestStreamSSEStopsOnCancel(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = StreamSSE(ctx, w, make(chan chat.Event), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, rec.Body.String(), DoneSentinel)
}

type nonFlusher struct{ http.ResponseWriter }

func TestNewSSEWriterRequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(nonFlusher{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

type fakeRunner struct {
	events []chat.Event
}

func (f *fakeRunner) Execute(_ context.Context, t chat.Turn) (<-chan chat.Event, error) {
	if strings.TrimSpace(t.Message) == "" {
		return nil, chat.ErrMessageRequired
	}
	return feed(f.events...), nil
}

func dialSocket(t *testing.T, runner TurnRunner) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(NewChatSocket(runner, "*", true, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readUntilDone(t *testing.T, ctx context.Context, conn *websocket.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
		if frame["type"] == "done" {
			return frames
		}
	}
}

func TestChatSocketStreamsTurn(t *testing.T) {
	runner := &fakeRunner{events: []chat.Event{
		{Kind: chat.EventText, Text: "Hi"},
		{Kind: chat.EventToolCall, ToolName: "obsidian_get_file_contents"},
		{Kind: chat.EventMetadata, Metadata: &chat.Metadata{ConversationID: "c1"}},
	}}
	conn, ctx := dialSocket(t, runner)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"hello"}`)))
	frames := readUntilDone(t, ctx, conn)

	require.Len(t, frames, 4)
	assert.Equal(t, "text", frames[0]["type"])
	assert.Equal(t, "Hi", frames[0]["data"])
	assert.Equal(t, "tool_call", frames[1]["type"])
	assert.Equal(t, map[string]any{"name": "obsidian_get_file_contents"}, frames[1]["data"])
	assert.Equal(t, "metadata", frames[2]["type"])
	assert.Equal(t, "c1", frames[2]["data"].(map[string]any)["conversationId"])
	assert.Equal(t, "done", frames[3]["type"])
}

func TestChatSocketReportsValidationError(t *testing.T) {
	conn, ctx := dialSocket(t, &fakeRunner{})

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"  "}`)))
	frames := readUntilDone(t, ctx, conn)

	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, chat.ErrMessageRequired.Error(), frames[0]["data"].(map[string]any)["error"])
}

func TestChatSocketPing(t *testing.T) {
	conn, ctx := dialSocket(t, &fakeRunner{})

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}
