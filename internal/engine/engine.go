package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/internal/cache"
	"github.com/studiora/mentorcore/internal/embedding"
	"github.com/studiora/mentorcore/internal/memory"
	"github.com/studiora/mentorcore/internal/prompt"
	"github.com/studiora/mentorcore/models"
	"github.com/studiora/mentorcore/provider"
)

// Retriever is the read side of the vector index.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]models.ScoredChunk, error)
}

// TurnRequest is one incoming chat turn. SessionID is opaque and
// caller-supplied; the identity fields come from the auth layer upstream.
type TurnRequest struct {
	SessionID   string
	UserID      string
	TaskID      string
	TaskContext string
	AgentRole   string
	Message     string
}

// Validate checks the identifiers the cache key policy needs.
func (r TurnRequest) Validate() error {
	for name, v := range map[string]string{
		"session_id":   r.SessionID,
		"user_id":      r.UserID,
		"task_id":      r.TaskID,
		"task_context": r.TaskContext,
		"agent_role":   r.AgentRole,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("turn request: %s is required", name)
		}
	}
	return nil
}

// TurnResult is the outcome of a processed chat turn.
type TurnResult struct {
	Reply string
	// Prompt is the fully assembled prompt that produced the reply.
	Prompt string
	// Retrieved is how many document chunks were injected.
	Retrieved int
	// Degraded reports that at least one cache or index round-trip failed
	// and the turn fell back to recomputation.
	Degraded bool
}

// contextSnapshot is the cached pre-assembled document context for a
// (user, agent role, task) tuple. Short TTL: it must not go stale within
// a session window but is cheap to recompute.
type contextSnapshot struct {
	Block   string    `json:"block"`
	BuiltAt time.Time `json:"built_at"`
}

// Engine runs the chat-turn pipeline: session memory, retrieval, cached
// snapshots and prompt assembly around the opaque completion capability.
type Engine struct {
	store     cache.Store
	policy    cache.Policy
	retriever Retriever
	memories  *memory.Manager
	llm       provider.Provider
	topK      int
	logger    *log.Logger

	cacheHits    otelmetric.Int64Counter
	cacheMisses  otelmetric.Int64Counter
	cacheErrors  otelmetric.Int64Counter
	retrievalErr otelmetric.Int64Counter
	turnLatency  otelmetric.Float64Histogram
}

// New wires the pipeline. All shared resources (cache store, retriever,
// memory manager, provider) are owned by the caller and passed in.
func New(store cache.Store, policy cache.Policy, retriever Retriever, memories *memory.Manager,
	llm provider.Provider, retrieval config.RetrievalConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	topK := retrieval.TopK
	if topK <= 0 {
		topK = 3
	}
	e := &Engine{
		store:     store,
		policy:    policy,
		retriever: retriever,
		memories:  memories,
		llm:       llm,
		topK:      topK,
		logger:    logger,
	}
	meter := otel.Meter("engine")
	e.cacheHits, _ = meter.Int64Counter("engine_cache_hits_total",
		otelmetric.WithDescription("Cache reads answered from the cache"))
	e.cacheMisses, _ = meter.Int64Counter("engine_cache_misses_total",
		otelmetric.WithDescription("Cache reads that fell through to recomputation"))
	e.cacheErrors, _ = meter.Int64Counter("engine_cache_errors_total",
		otelmetric.WithDescription("Cache round-trips that failed"))
	e.retrievalErr, _ = meter.Int64Counter("engine_retrieval_failures_total",
		otelmetric.WithDescription("Vector index queries that failed"))
	e.turnLatency, _ = meter.Float64Histogram("engine_turn_seconds",
		otelmetric.WithDescription("End-to-end chat turn latency"))
	return e
}

// ChatTurn processes one learner message and returns the agent reply.
// Transient cache and index failures degrade to recomputation; embedding
// and completion failures surface to the caller.
func (e *Engine) ChatTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := req.Validate(); err != nil {
		return TurnResult{}, err
	}
	start := time.Now()
	var res TurnResult

	mem := e.memories.Get(req.SessionID)
	e.restoreConversation(ctx, req, mem, &res)

	chunks, err := e.retrieve(ctx, req, &res)
	if err != nil {
		return TurnResult{}, err
	}
	docBlock := e.contextBlock(ctx, req, chunks, &res)

	var user models.UserData
	haveUser := e.readSnapshot(ctx, cache.KindUserData, &user, &res, req.UserID)
	var insight models.AgentInsight
	haveInsight := e.readSnapshot(ctx, cache.KindAgentInsights, &insight, &res, req.UserID, req.AgentRole)

	system := systemPrompt(req.AgentRole)
	userPrompt := assembleUserPrompt(mem.Context(), docBlock, user, haveUser, insight, haveInsight, req.Message)

	reply, err := e.llm.Completion(ctx, system, userPrompt)
	if err != nil {
		return TurnResult{}, fmt.Errorf("completion: %w", err)
	}

	// State commits only after the whole computation succeeded; a turn
	// cancelled mid-flight leaves memory and cache untouched.
	mem.Append(ctx, models.RoleUser, req.Message)
	mem.Append(ctx, models.RoleAssistant, reply)
	e.persist(ctx, req, mem, reply)

	res.Reply = reply
	res.Prompt = userPrompt
	res.Retrieved = len(chunks)
	e.turnLatency.Record(ctx, time.Since(start).Seconds(),
		otelmetric.WithAttributes(attribute.String("agent_role", req.AgentRole)))
	return res, nil
}

// retrieve queries the index for relevant chunks. Index failures degrade
// to an empty result; embedding failures surface.
func (e *Engine) retrieve(ctx context.Context, req TurnRequest, res *TurnResult) ([]models.DocumentChunk, error) {
	scored, err := e.retriever.Query(ctx, req.Message, e.topK)
	if err != nil {
		if errors.Is(err, embedding.ErrEmbeddingFailure) {
			return nil, err
		}
		e.retrievalErr.Add(ctx, 1)
		e.logger.Printf("warn: retrieval failed, continuing without context: %v", err)
		res.Degraded = true
		return nil, nil
	}
	chunks := make([]models.DocumentChunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, s.Chunk)
	}
	return chunks, nil
}

// contextBlock serves the assembled document context from cache when
// fresh, recomputing and re-caching on miss.
func (e *Engine) contextBlock(ctx context.Context, req TurnRequest, chunks []models.DocumentChunk, res *TurnResult) string {
	key, ttl, err := e.policy.ContextKey(req.UserID, req.AgentRole, req.TaskID)
	if err != nil {
		e.logger.Printf("warn: context key: %v", err)
		return prompt.Combine(chunks)
	}
	if len(chunks) == 0 {
		var snap contextSnapshot
		if e.getCached(ctx, key, cache.KindContext, &snap, res) {
			return snap.Block
		}
		return ""
	}
	block := prompt.Combine(chunks)
	if err := e.store.Set(ctx, key, contextSnapshot{Block: block, BuiltAt: time.Now().UTC()}, ttl); err != nil {
		e.cacheErrors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(cache.KindContext))))
		e.logger.Printf("warn: context snapshot write failed: %v", err)
		res.Degraded = true
	}
	return block
}

// readSnapshot reads one cached snapshot kind, reporting whether a value
// was found. Errors degrade to absent.
func (e *Engine) readSnapshot(ctx context.Context, kind cache.Kind, dest interface{}, res *TurnResult, ids ...string) bool {
	key, _, err := e.policy.Key(kind, ids...)
	if err != nil {
		e.logger.Printf("warn: %s key: %v", kind, err)
		return false
	}
	return e.getCached(ctx, key, kind, dest, res)
}

func (e *Engine) getCached(ctx context.Context, key string, kind cache.Kind, dest interface{}, res *TurnResult) bool {
	err := e.store.Get(ctx, key, dest)
	attrs := otelmetric.WithAttributes(attribute.String("kind", string(kind)))
	switch {
	case err == nil:
		e.cacheHits.Add(ctx, 1, attrs)
		return true
	case errors.Is(err, cache.ErrCacheMiss):
		e.cacheMisses.Add(ctx, 1, attrs)
		return false
	case cache.Degraded(err):
		e.cacheErrors.Add(ctx, 1, attrs)
		e.logger.Printf("warn: cache read %s failed, recomputing: %v", key, err)
		res.Degraded = true
		return false
	default:
		e.cacheErrors.Add(ctx, 1, attrs)
		e.logger.Printf("warn: cache read %s: %v", key, err)
		res.Degraded = true
		return false
	}
}

// restoreConversation hydrates an empty in-process session from its
// cached state, so a process restart keeps conversations within the
// conversation TTL window.
func (e *Engine) restoreConversation(ctx context.Context, req TurnRequest, mem *memory.SessionMemory, res *TurnResult) {
	key, _, err := e.policy.ConversationKey(req.UserID, req.TaskContext)
	if err != nil {
		return
	}
	var state models.ConversationState
	if e.getCached(ctx, key, cache.KindConversation, &state, res) {
		mem.Restore(state)
	}
}

// persist writes the updated conversation state and a refreshed agent
// insight back to the cache. Write failures are logged, never raised:
// the reply has already been produced.
func (e *Engine) persist(ctx context.Context, req TurnRequest, mem *memory.SessionMemory, reply string) {
	if key, ttl, err := e.policy.ConversationKey(req.UserID, req.TaskContext); err == nil {
		if err := e.store.Set(ctx, key, mem.Snapshot(), ttl); err != nil {
			e.cacheErrors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(cache.KindConversation))))
			e.logger.Printf("warn: conversation write failed: %v", err)
		}
	}
	if key, ttl, err := e.policy.InsightsKey(req.UserID, req.AgentRole); err == nil {
		insight := models.AgentInsight{
			UserID:    req.UserID,
			AgentRole: req.AgentRole,
			Summary:   excerpt(reply, 280),
			UpdatedAt: time.Now().UTC(),
		}
		if err := e.store.Set(ctx, key, insight, ttl); err != nil {
			e.cacheErrors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(cache.KindAgentInsights))))
			e.logger.Printf("warn: insight write failed: %v", err)
		}
	}
}

func systemPrompt(agentRole string) string {
	return fmt.Sprintf(`You are the %s of a small project team tutoring a learner through a real project. Stay in role, be concrete, and ground every claim in the provided project documents. When the documents do not cover a question, say so instead of inventing details.`, agentRole)
}

func assembleUserPrompt(conversation, docBlock string, user models.UserData, haveUser bool,
	insight models.AgentInsight, haveInsight bool, message string) string {
	var b strings.Builder
	if haveUser && user.DisplayName != "" {
		fmt.Fprintf(&b, "Learner: %s\n\n", user.DisplayName)
	}
	if haveInsight && insight.Summary != "" {
		fmt.Fprintf(&b, "Your notes on this learner:\n%s\n\n", insight.Summary)
	}
	if docBlock != "" {
		fmt.Fprintf(&b, "Project documents:\n%s\n\n", docBlock)
	}
	if conversation != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n", conversation)
	}
	fmt.Fprintf(&b, "Learner message: %s", message)
	return b.String()
}

// excerpt truncates s to maxLen bytes on a rune boundary.
func excerpt(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
