package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/internal/cache"
	"github.com/studiora/mentorcore/internal/embedding"
	"github.com/studiora/mentorcore/internal/index"
	"github.com/studiora/mentorcore/internal/memory"
	"github.com/studiora/mentorcore/models"
)

// fakeStore is an in-memory snapshot store with an injectable clock, so
// expiry is testable without sleeping.
type fakeStore struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]fakeEntry

	sets int
	gets int
}

type fakeEntry struct {
	data    []byte
	expires time.Time
}

func newFakeStore() *fakeStore {
	base := time.Now()
	return &fakeStore{now: func() time.Time { return base }, m: map[string]fakeEntry{}}
}

func (f *fakeStore) Get(_ context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	e, ok := f.m[key]
	if !ok || f.now().After(e.expires) {
		delete(f.m, key)
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(e.data, dest)
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("fake store: ttl required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.m[key] = fakeEntry{data: data, expires: f.now().Add(ttl)}
	return nil
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := f.now().Add(d)
	f.now = func() time.Time { return at }
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.m[key]
	return ok && !f.now().After(e.expires)
}

// downStore fails every round-trip, as an unreachable cache would.
type downStore struct{}

func (downStore) Get(context.Context, string, interface{}) error {
	return fmt.Errorf("%w: connection refused", cache.ErrCacheUnavailable)
}

func (downStore) Set(context.Context, string, interface{}, time.Duration) error {
	return fmt.Errorf("%w: connection refused", cache.ErrCacheUnavailable)
}

type stubRetriever struct {
	chunks []models.ScoredChunk
	err    error
	calls  int
}

func (s *stubRetriever) Query(context.Context, string, int) ([]models.ScoredChunk, error) {
	s.calls++
	return s.chunks, s.err
}

type stubProvider struct {
	reply      string
	err        error
	lastSystem string
	lastUser   string
}

func (s *stubProvider) Completion(_ context.Context, system, user string) (string, error) {
	s.lastSystem = system
	s.lastUser = user
	if s.err != nil {
		return "", s.err
	}
	if s.reply == "" {
		return "stub reply", nil
	}
	return s.reply, nil
}

func (s *stubProvider) Summarize(_ context.Context, _ string) (string, error) {
	return "condensed", nil
}

func testPolicy() cache.Policy {
	return cache.NewPolicy(config.TTLConfig{
		Conversation:  time.Hour,
		Context:       10 * time.Minute,
		UserData:      24 * time.Hour,
		AgentInsights: 12 * time.Hour,
	})
}

func testRequest() TurnRequest {
	return TurnRequest{
		SessionID:   "sess-1",
		UserID:      "learner-7",
		TaskID:      "task-3",
		TaskContext: "project-alpha",
		AgentRole:   "tech lead",
		Message:     "how do I structure the service?",
	}
}

func newTestEngine(store cache.Store, retriever Retriever, llm *stubProvider) *Engine {
	memories := memory.NewManager(config.MemoryConfig{
		TokenBudget: 1000,
		MaxSessions: 16,
		SessionTTL:  time.Minute,
		RetainTurns: 4,
	}, llm, nil)
	return New(store, testPolicy(), retriever, memories, llm, config.RetrievalConfig{TopK: 3}, nil)
}

func TestChatTurn(t *testing.T) {
	store := newFakeStore()
	retriever := &stubRetriever{chunks: []models.ScoredChunk{
		{Chunk: models.DocumentChunk{ID: "a", Content: "use a layered service design"}, Score: 0.9},
		{Chunk: models.DocumentChunk{ID: "b", Content: "keep handlers thin"}, Score: 0.7},
	}}
	llm := &stubProvider{reply: "start with the storage layer"}
	e := newTestEngine(store, retriever, llm)

	res, err := e.ChatTurn(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if res.Reply != "start with the storage layer" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Retrieved != 2 {
		t.Errorf("retrieved = %d, want 2", res.Retrieved)
	}
	if res.Degraded {
		t.Error("healthy turn reported degraded")
	}
	if !strings.Contains(res.Prompt, "use a layered service design") {
		t.Errorf("prompt missing retrieved context:\n%s", res.Prompt)
	}
	if !strings.Contains(res.Prompt, "how do I structure the service?") {
		t.Errorf("prompt missing learner message:\n%s", res.Prompt)
	}
	if !strings.Contains(llm.lastSystem, "tech lead") {
		t.Errorf("system prompt missing agent role:\n%s", llm.lastSystem)
	}

	// A completed turn persists the conversation and a refreshed insight.
	convKey, _, _ := testPolicy().ConversationKey("learner-7", "project-alpha")
	if !store.has(convKey) {
		t.Error("conversation state not persisted")
	}
	insKey, _, _ := testPolicy().InsightsKey("learner-7", "tech lead")
	if !store.has(insKey) {
		t.Error("agent insight not persisted")
	}
}

func TestChatTurnValidatesIdentifiers(t *testing.T) {
	e := newTestEngine(newFakeStore(), &stubRetriever{}, &stubProvider{})
	req := testRequest()
	req.UserID = "  "
	if _, err := e.ChatTurn(context.Background(), req); err == nil {
		t.Error("expected validation error for blank user_id")
	}
}

func TestChatTurnSurvivesCacheOutage(t *testing.T) {
	retriever := &stubRetriever{chunks: []models.ScoredChunk{
		{Chunk: models.DocumentChunk{ID: "a", Content: "relevant doc"}, Score: 0.8},
	}}
	llm := &stubProvider{}
	e := newTestEngine(downStore{}, retriever, llm)

	res, err := e.ChatTurn(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("turn failed during cache outage: %v", err)
	}
	if !res.Degraded {
		t.Error("cache outage not reported as degraded")
	}
	if res.Reply == "" {
		t.Error("no reply produced during cache outage")
	}
	if !strings.Contains(res.Prompt, "relevant doc") || !strings.Contains(res.Prompt, "how do I structure") {
		t.Errorf("prompt not fully assembled during outage:\n%s", res.Prompt)
	}
}

func TestChatTurnSurvivesIndexFailure(t *testing.T) {
	retriever := &stubRetriever{err: fmt.Errorf("%w: store closed", index.ErrQueryFailure)}
	e := newTestEngine(newFakeStore(), retriever, &stubProvider{})

	res, err := e.ChatTurn(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("turn failed on index failure: %v", err)
	}
	if !res.Degraded {
		t.Error("index failure not reported as degraded")
	}
	if res.Retrieved != 0 {
		t.Errorf("retrieved = %d, want 0", res.Retrieved)
	}
}

func TestChatTurnSurfacesEmbeddingFailure(t *testing.T) {
	retriever := &stubRetriever{err: fmt.Errorf("%w: provider 500", embedding.ErrEmbeddingFailure)}
	e := newTestEngine(newFakeStore(), retriever, &stubProvider{})

	if _, err := e.ChatTurn(context.Background(), testRequest()); err == nil {
		t.Error("embedding failure did not surface")
	}
}

func TestChatTurnSurfacesCompletionFailure(t *testing.T) {
	store := newFakeStore()
	llm := &stubProvider{err: fmt.Errorf("provider timeout")}
	e := newTestEngine(store, &stubRetriever{}, llm)

	if _, err := e.ChatTurn(context.Background(), testRequest()); err == nil {
		t.Fatal("completion failure did not surface")
	}
	// Nothing commits on a failed turn.
	if store.sets != 0 {
		t.Errorf("store writes = %d after failed completion, want 0", store.sets)
	}
	e2 := newTestEngine(store, &stubRetriever{}, &stubProvider{})
	res, err := e2.ChatTurn(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("follow-up turn: %v", err)
	}
	if strings.Contains(res.Prompt, "Conversation so far") && strings.Contains(res.Prompt, "assistant:") {
		t.Error("failed turn leaked into conversation history")
	}
}

func TestContextSnapshotServedFromCache(t *testing.T) {
	store := newFakeStore()
	retriever := &stubRetriever{chunks: []models.ScoredChunk{
		{Chunk: models.DocumentChunk{ID: "a", Content: "cached reference material"}, Score: 0.9},
	}}
	e := newTestEngine(store, retriever, &stubProvider{})
	ctx := context.Background()

	if _, err := e.ChatTurn(ctx, testRequest()); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// Retrieval finds nothing this time; the cached snapshot fills in.
	retriever.chunks = nil
	res, err := e.ChatTurn(ctx, testRequest())
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !strings.Contains(res.Prompt, "cached reference material") {
		t.Errorf("cached context block not reused:\n%s", res.Prompt)
	}

	// Past the context TTL the snapshot is gone and nothing fills in.
	store.advance(11 * time.Minute)
	res, err = e.ChatTurn(ctx, testRequest())
	if err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if strings.Contains(res.Prompt, "cached reference material") {
		t.Errorf("expired context snapshot still injected:\n%s", res.Prompt)
	}
}

func TestChatTurnInjectsUserData(t *testing.T) {
	store := newFakeStore()
	key, ttl, err := testPolicy().UserDataKey("learner-7")
	if err != nil {
		t.Fatalf("user data key: %v", err)
	}
	if err := store.Set(context.Background(), key, models.UserData{UserID: "learner-7", DisplayName: "Sam"}, ttl); err != nil {
		t.Fatalf("seed user data: %v", err)
	}

	e := newTestEngine(store, &stubRetriever{}, &stubProvider{})
	res, err := e.ChatTurn(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if !strings.Contains(res.Prompt, "Learner: Sam") {
		t.Errorf("prompt missing learner profile:\n%s", res.Prompt)
	}
}

func TestExcerptRuneBoundary(t *testing.T) {
	s := strings.Repeat("日本語", 40) // 9 bytes per repetition
	got := excerpt(s, 280)
	if !utf8.ValidString(got) {
		t.Errorf("excerpt is not valid UTF-8: %q", got)
	}
	if len(got) > 280+len("...") {
		t.Errorf("excerpt length = %d bytes, want <= 283", len(got))
	}
	if short := excerpt("brief", 280); short != "brief" {
		t.Errorf("short input = %q, want unchanged", short)
	}
}

func TestConversationRestoredAcrossManagers(t *testing.T) {
	store := newFakeStore()
	llm := &stubProvider{reply: "noted"}
	e := newTestEngine(store, &stubRetriever{}, llm)
	ctx := context.Background()

	req := testRequest()
	req.Message = "remember the deadline is friday"
	if _, err := e.ChatTurn(ctx, req); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// Fresh engine and memory manager, same store: a restart. The cached
	// conversation hydrates the new session.
	e2 := newTestEngine(store, &stubRetriever{}, &stubProvider{})
	req.SessionID = "sess-2"
	req.Message = "what was the deadline again?"
	res, err := e2.ChatTurn(ctx, req)
	if err != nil {
		t.Fatalf("restored turn: %v", err)
	}
	if !strings.Contains(res.Prompt, "remember the deadline is friday") {
		t.Errorf("restored prompt missing prior turn:\n%s", res.Prompt)
	}
}
