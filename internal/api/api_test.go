package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/vaultchat/internal/chat"
	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/identity"
	"github.com/ashureev/vaultchat/internal/llm"
	"github.com/ashureev/vaultchat/internal/store"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

type fakeChat struct {
	mu        sync.Mutex
	turns     []chat.Turn
	reply     chat.Reply
	err       error
	events    []chat.Event
	confirm   chat.ConfirmResult
	confirmed []string
}

func (f *fakeChat) Execute(_ context.Context, t chat.Turn) (<-chan chat.Event, error) {
	f.mu.Lock()
	f.turns = append(f.turns, t)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan chat.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Complete(_ context.Context, t chat.Turn) (chat.Reply, error) {
	f.mu.Lock()
	f.turns = append(f.turns, t)
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeChat) Confirm(_ context.Context, token string, _ bool) (chat.ConfirmResult, error) {
	f.mu.Lock()
	f.confirmed = append(f.confirmed, token)
	f.mu.Unlock()
	if f.err != nil {
		return chat.ConfirmResult{}, f.err
	}
	return f.confirm, nil
}

func (f *fakeChat) Provider() (string, string) { return "anthropic", "claude-sonnet-4-5" }

type fakeTools struct {
	result gateway.Result
	err    error
	name   string
	args   *structpb.Struct
}

func (f *fakeTools) InvokeTool(_ context.Context, name string, args *structpb.Struct) (gateway.Result, error) {
	f.name = name
	f.args = args
	return f.result, f.err
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

type testServer struct {
	handler http.Handler
	repo    *store.SQLiteStore
}

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestServer(t *testing.T, svc ChatService, tools ToolInvoker, limiter *RateLimiter) *testServer {
	t.Helper()
	repo := newTestRepo(t)
	return &testServer{
		repo: repo,
		handler: NewRouter(RouterConfig{
			Chat:    svc,
			Tools:   tools,
			Repo:    repo,
			Gateway: fakeHealth{},
			Limiter: limiter,
			IsDev:   true,
		}),
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUser})
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestVaultModifyReportsToolErrorInBand(t *testing.T) {
	tools := &fakeTools{result: gateway.Result{IsError: true, Text: "not found"}}
	srv := newTestServer(t, &fakeChat{}, tools, nil)

	rec := srv.do(http.MethodPost, "/vault/modify", `{"operation":"delete","filePath":"notes/x.md"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"not found","filePath":"notes/x.md"}`, rec.Body.String())
	assert.Equal(t, "obsidian_delete_file", tools.name)
	assert.Equal(t, "notes/x.md", gateway.StringArg(tools.args, "filepath"))
}

func TestVaultModifyOperations(t *testing.T) {
	tests := []struct {
		body     string
		wantTool string
		wantArg  string
		argKey   string
	}{
		{`{"operation":"patch","filePath":"a.md","content":"x"}`, "obsidian_patch_content", "x", "content"},
		{`{"operation":"modify","filePath":"a.md","content":"y"}`, "obsidian_patch_content", "y", "content"},
		{`{"operation":"append","filePath":"a.md","content":"z"}`, "obsidian_append_content", "z", "content"},
		{`{"operation":"move","filePath":"a.md","destination":"b/a.md"}`, "obsidian_move_file", "b/a.md", "destination"},
		{`{"operation":"DELETE","filePath":"a.md"}`, "obsidian_delete_file", "a.md", "filepath"},
	}
	for _, tt := range tests {
		t.Run(tt.wantTool+"/"+tt.wantArg, func(t *testing.T) {
			tools := &fakeTools{result: gateway.Result{Text: "ok"}}
			srv := newTestServer(t, &fakeChat{}, tools, nil)

			rec := srv.do(http.MethodPost, "/vault/modify", tt.body)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, true, decode(t, rec)["success"])
			assert.Equal(t, tt.wantTool, tools.name)
			assert.Equal(t, tt.wantArg, gateway.StringArg(tools.args, tt.argKey))
		})
	}
}

func TestVaultModifyValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown operation", `{"operation":"rename","filePath":"a.md"}`},
		{"empty path", `{"operation":"delete","filePath":"  "}`},
		{"move without destination", `{"operation":"move","filePath":"a.md"}`},
		{"malformed body", `{"operation":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := &fakeTools{}
			srv := newTestServer(t, &fakeChat{}, tools, nil)

			rec := srv.do(http.MethodPost, "/vault/modify", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, tools.name, "gateway must not be called")
		})
	}
}

func TestVaultModifyGatewayUnavailable(t *testing.T) {
	tools := &fakeTools{err: gateway.ErrUnavailable}
	srv := newTestServer(t, &fakeChat{}, tools, nil)

	rec := srv.do(http.MethodPost, "/vault/modify", `{"operation":"delete","filePath":"a.md"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestVaultStubsReturnNotImplemented(t *testing.T) {
	srv := newTestServer(t, &fakeChat{}, &fakeTools{}, nil)
	for _, path := range []string{"/vault/search", "/vault/reorganize"} {
		rec := srv.do(http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
}

func TestChatReturnsReply(t *testing.T) {
	svc := &fakeChat{reply: chat.Reply{
		Text:           "I created the file `a.md`.",
		ConversationID: "conv-1",
		FileOperation:  &domain.FileOperation{Action: domain.FileCreated, FilePath: "a.md"},
	}}
	srv := newTestServer(t, svc, &fakeTools{}, nil)

	rec := srv.do(http.MethodPost, "/chat", `{"message":"make a.md","history":[{"role":"User","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "I created the file `a.md`.", body["text"])
	assert.Equal(t, "conv-1", body["conversationId"])
	assert.Equal(t, "a.md", body["fileOperationResult"].(map[string]any)["filePath"])

	require.Len(t, svc.turns, 1)
	assert.Equal(t, testUser, svc.turns[0].UserID)
	require.Len(t, svc.turns[0].History, 1)
	assert.Equal(t, "hi", svc.turns[0].History[0].Content)
}

func TestChatValidation(t *testing.T) {
	svc := &fakeChat{}
	srv := newTestServer(t, svc, &fakeTools{}, nil)

	rec := srv.do(http.MethodPost, "/chat", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = srv.do(http.MethodPost, "/chat/stream", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.turns)

	svc.err = chat.ErrConversationNotFound
	rec = srv.do(http.MethodPost, "/chat/stream", `{"message":"hi","conversationId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestChatBodyTooLarge(t *testing.T) {
	repo := newTestRepo(t)
	h := NewRouter(RouterConfig{Chat: &fakeChat{}, Tools: &fakeTools{}, Repo: repo, MaxBodySize: 16, IsDev: true})

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(`{"message":"`+strings.Repeat("x", 64)+`"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChatRateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Stop()
	srv := newTestServer(t, &fakeChat{reply: chat.Reply{ConversationID: "c"}}, &fakeTools{}, limiter)

	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/chat", `{"message":"one"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, srv.do(http.MethodPost, "/chat", `{"message":"two"}`).Code)
}

func TestChatConfirm(t *testing.T) {
	svc := &fakeChat{confirm: chat.ConfirmResult{Success: true, Status: domain.CardCompleted, Message: "deleted"}}
	srv := newTestServer(t, svc, &fakeTools{}, nil)

	rec := srv.do(http.MethodPost, "/chat/confirm", `{"token":"tok-1","approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"status":"Completed","message":"deleted"}`, rec.Body.String())
	assert.Equal(t, []string{"tok-1"}, svc.confirmed)

	rec = srv.do(http.MethodPost, "/chat/confirm", `{"approved":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = chat.ErrConfirmationNotFound
	rec = srv.do(http.MethodPost, "/chat/confirm", `{"token":"tok-1","approved":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeChat{}, &fakeTools{}, nil)

	rec := srv.do(http.MethodGet, "/api/llm/provider", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"provider":"anthropic","model":"claude-sonnet-4-5"}`, rec.Body.String())
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, &fakeChat{}, &fakeTools{}, nil)
	ctx := context.Background()
	now := time.Now()

	mine := &domain.Conversation{ID: "conv-1", UserID: testUser, Title: "Mine", CreatedAt: now, UpdatedAt: now}
	theirs := &domain.Conversation{ID: "conv-2", UserID: "anon_ffffffffffffffffffffffffffffffff", Title: "Theirs", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, srv.repo.CreateConversation(ctx, mine))
	require.NoError(t, srv.repo.CreateConversation(ctx, theirs))
	require.NoError(t, srv.repo.AppendMessage(ctx, &domain.Message{
		ID: "m1", ConversationID: "conv-1", Role: domain.RoleUser, Content: "hello", CreatedAt: now,
	}))

	rec := srv.do(http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "conv-1", list[0]["id"])

	rec = srv.do(http.MethodGet, "/api/conversations/conv-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode(t, rec)["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].(map[string]any)["content"])

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/api/conversations/conv-2", "").Code)

	rec = srv.do(http.MethodPost, "/api/conversations/conv-1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["archived"])

	rec = srv.do(http.MethodGet, "/api/conversations", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
	rec = srv.do(http.MethodGet, "/api/conversations?includeArchived=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = srv.do(http.MethodPost, "/api/conversations/conv-1/archive", `{"archived":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["archived"])

	assert.Equal(t, http.StatusNoContent, srv.do(http.MethodDelete, "/api/conversations/conv-1", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/api/conversations/conv-1", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodDelete, "/api/conversations/conv-2", "").Code)
}

func TestHealth(t *testing.T) {
	repo := newTestRepo(t)

	healthy := NewRouter(RouterConfig{Chat: &fakeChat{}, Repo: repo, Gateway: fakeHealth{}, IsDev: true})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	degraded := NewRouter(RouterConfig{Chat: &fakeChat{}, Repo: repo, Gateway: fakeHealth{err: errors.New("down")}, IsDev: true})
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["checks"].(map[string]any)["toolGateway"])

	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// textModel streams fixed text and never calls tools.
type textModel struct{ chunks []string }

func (m textModel) Provider() string  { return "openai" }
func (m textModel) ModelName() string { return "gpt-test" }

func (m textModel) Stream(context.Context, llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		for _, c := range m.chunks {
			if !yield(llm.Chunk{Kind: llm.ChunkText, Text: c}, nil) {
				return
			}
		}
	}
}

func (m textModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	return llm.CollectText(m.Stream(ctx, req))
}

func TestChatStreamWithUnavailableGatewayStreamsOnlyText(t *testing.T) {
	repo := newTestRepo(t)
	tools := gateway.NewProvider(func(context.Context) (gateway.ToolClient, error) {
		return nil, errors.New("connection refused")
	}, time.Minute, nil)
	orch := chat.NewOrchestrator(chat.Deps{
		Repo:  repo,
		Model: textModel{chunks: []string{"Your vault ", "is empty."}},
		Tools: tools,
	}, chat.Options{})

	srv := httptest.NewServer(NewRouter(RouterConfig{Chat: orch, Tools: tools, Repo: repo, Gateway: tools, IsDev: true}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(`{"message":"list files"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.NotContains(t, body, "event: tool_call")
	assert.True(t, strings.HasPrefix(body, "data: Your vault \n\ndata: is empty.\n\n"), body)
	assert.Contains(t, body, "event: metadata\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
}
