package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mymyanmarland/claw-chat/internal/auth"
	"github.com/mymyanmarland/claw-chat/internal/history"
	"github.com/mymyanmarland/claw-chat/internal/metrics"
	"github.com/mymyanmarland/claw-chat/internal/providers/openrouter"
	"github.com/mymyanmarland/claw-chat/internal/ratelimit"
	"github.com/mymyanmarland/claw-chat/internal/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc      *Service
	handler  http.Handler
	store    history.Store
	hits     *int32
	frontend string
}

type fixtureOpts struct {
	apiKey       string
	chunks       []string
	loginLimiter ratelimit.Limiter
	chatLimiter  ratelimit.Limiter
	upstream     http.HandlerFunc
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if opts.upstream != nil {
			opts.upstream(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range opts.chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	store, err := history.NewFileStore(filepath.Join(dir, "history.json"), history.DefaultLimit, zerolog.Nop())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	frontend := filepath.Join(dir, "frontend")
	if err := os.MkdirAll(frontend, 0o755); err != nil {
		t.Fatalf("mkdir frontend: %v", err)
	}
	if err := os.WriteFile(filepath.Join(frontend, "index.html"), []byte("<html>index</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(frontend, "app.js"), []byte("console.log('app')"), 0o644); err != nil {
		t.Fatalf("write app.js: %v", err)
	}

	issuer, err := auth.NewIssuer(auth.Config{
		Secret:      "test-secret",
		Credentials: auth.Credentials{Username: "admin", Password: "admin123"},
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	m := metrics.New()
	svc := NewService(Config{
		Issuer:       issuer,
		Store:        store,
		Provider:     openrouter.New(openrouter.Config{BaseURL: upstream.URL, APIKey: opts.apiKey, SystemPrompt: "sys"}),
		Relay:        relay.New(relay.Config{HTTPClient: upstream.Client(), Logger: zerolog.Nop(), Metrics: m}),
		LoginLimiter: opts.loginLimiter,
		ChatLimiter:  opts.chatLimiter,
		Logger:       zerolog.Nop(),
		Metrics:      m,
		FrontendDir:  frontend,
	})
	return &fixture{svc: svc, handler: svc.Handler(), store: store, hits: &hits, frontend: frontend}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if out.Token == "" || out.Username != "admin" {
		t.Fatalf("unexpected login response %s", rec.Body.String())
	}
	return out.Token
}

func deltaChunk(s string) string {
	return `data: {"choices":[{"delta":{"content":"` + s + `"}}]}` + "\n\n"
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"mode":"openrouter","ok":true}` {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	wrongPass := f.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "nope"})
	unknownUser := f.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "root", "password": "admin123"})
	noBody := f.do(t, http.MethodPost, "/api/login", "", nil)

	for _, rec := range []*httptest.ResponseRecorder{wrongPass, unknownUser, noBody} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec.Body.String() != wrongPass.Body.String() {
			t.Fatalf("login failures differ: %q vs %q", rec.Body.String(), wrongPass.Body.String())
		}
	}
	if !strings.Contains(wrongPass.Body.String(), "Invalid credentials") {
		t.Fatalf("unexpected body %s", wrongPass.Body.String())
	}
}

func TestLoginRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOpts{loginLimiter: ratelimit.NewLocalLimiter(1)})

	f.login(t)
	rec := f.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "admin123"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/models", "", nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Missing token") {
		t.Fatalf("expected missing token, got %d %s", rec.Code, rec.Body.String())
	}

	tampered := token[:len(token)-4] + "AAAA"
	if tampered == token {
		tampered = token[:len(token)-4] + "BBBB"
	}
	rec = f.do(t, http.MethodGet, "/api/models", tampered, nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid token") {
		t.Fatalf("expected invalid token, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/models", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "openrouter/auto") {
		t.Fatalf("expected models, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHistoryEmptyForNewUser(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec := f.do(t, http.MethodGet, "/api/history", f.login(t), nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"messages":[]}` {
		t.Fatalf("unexpected history %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatStreamsAndPersists(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		apiKey: "k",
		chunks: []string{deltaChunk("A"), "data: {not json\n\n", deltaChunk("B"), "data: [DONE]\n\n"},
	})
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"model": "not-a-model", "message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	want := "data: {\"token\":\"A\"}\n\ndata: {\"token\":\"B\"}\n\ndata: {\"done\":true}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", rec.Body.String(), want)
	}

	turns := f.store.Read(context.Background(), "admin")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %#v", turns)
	}
	if turns[0].Role != history.RoleUser || turns[0].Content != "hi" {
		t.Fatalf("unexpected user turn %#v", turns[0])
	}
	if turns[1].Role != history.RoleAssistant || turns[1].Content != "AB" || turns[1].Model != "openrouter/auto" {
		t.Fatalf("unexpected assistant turn %#v", turns[1])
	}
}

func TestChatBlankMessageRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiKey: "k", chunks: []string{deltaChunk("A")}})
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "   \n"})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Message required") {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(f.hits) != 0 {
		t.Fatalf("upstream must not be called")
	}
	if got := f.store.Read(context.Background(), "admin"); len(got) != 0 {
		t.Fatalf("history must be unchanged, got %#v", got)
	}
}

func TestChatMissingCredentialKeepsUserTurn(t *testing.T) {
	f := newFixture(t, fixtureOpts{chunks: []string{deltaChunk("A")}})
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stream to open, got %d", rec.Code)
	}
	if rec.Body.String() != "data: {\"error\":\"Server missing OPENROUTER_API_KEY\"}\n\n" {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}
	if atomic.LoadInt32(f.hits) != 0 {
		t.Fatalf("upstream must not be called")
	}

	turns := f.store.Read(context.Background(), "admin")
	if len(turns) != 1 || turns[0].Content != "hello" || turns[0].Role != history.RoleUser {
		t.Fatalf("expected only the user turn, got %#v", turns)
	}
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token := f.login(t)
	now := time.Now()
	if err := f.store.AppendAndTruncate(context.Background(), "admin", history.UserTurn("a", now), history.AssistantTurn("b", "m", now)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/api/history", token, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("unexpected clear %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/api/history", token, nil)
	if strings.TrimSpace(rec.Body.String()) != `{"messages":[]}` {
		t.Fatalf("expected empty history, got %s", rec.Body.String())
	}
}

func TestFallbackRoutes(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodGet, "/api/nope", "", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "API route not found") {
		t.Fatalf("expected api 404, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/app.js", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("expected static file, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/some/client/route", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "index") {
		t.Fatalf("expected index fallback, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected permissive origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestLoginLimitIgnoresForwardedFor(t *testing.T) {
	f := newFixture(t, fixtureOpts{loginLimiter: ratelimit.NewLocalLimiter(2)})

	limited := 0
	for i := 0; i < 10; i++ {
		b, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 8 {
		t.Fatalf("expected 8 limited attempts from one peer, got %d", limited)
	}
}

func TestChatRateLimitedBeforeStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiKey: "k", chunks: []string{deltaChunk("A")}, chatLimiter: ratelimit.NewLocalLimiter(1)})
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "one"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first chat: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "two"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("limited chat must not open a stream")
	}
	if atomic.LoadInt32(f.hits) != 1 {
		t.Fatalf("expected one upstream call, got %d", atomic.LoadInt32(f.hits))
	}
	turns := f.store.Read(context.Background(), "admin")
	if len(turns) != 2 || turns[0].Content != "one" {
		t.Fatalf("limited chat must not touch history, got %#v", turns)
	}
}

func TestChatUpstreamDropKeepsUserTurnOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		apiKey: "k",
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, deltaChunk("A"))
			w.(http.Flusher).Flush()
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			_ = conn.Close()
		},
	})
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stream to open, got %d", rec.Code)
	}
	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 2 || frames[0] != `data: {"token":"A"}` || !strings.HasPrefix(frames[1], `data: {"error":`) {
		t.Fatalf("expected token then one error event, got %q", rec.Body.String())
	}

	turns := f.store.Read(context.Background(), "admin")
	if len(turns) != 1 || turns[0].Role != history.RoleUser || turns[0].Content != "hi" {
		t.Fatalf("expected only the user turn, got %#v", turns)
	}
}

func TestWaitReturnsWhenIdle(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiKey: "k", chunks: []string{deltaChunk("A")}})
	f.do(t, http.MethodPost, "/api/chat", f.login(t), map[string]string{"message": "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitBlocksOnInflightChat(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{
		apiKey: "k",
		upstream: func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
		},
	})
	token := f.login(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "hi"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(f.hits) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.svc.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to time out while a chat is in flight")
	}

	close(release)
	<-done
	if err := f.svc.Wait(context.Background()); err != nil {
		t.Fatalf("wait after chat: %v", err)
	}
	if turns := f.store.Read(context.Background(), "admin"); len(turns) != 2 {
		t.Fatalf("expected persisted turns, got %#v", turns)
	}
}
