package memory

import (
	"context"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/models"
)

// Summarizer condenses conversation text. The chat pipeline satisfies it
// with the LLM provider.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Manager holds one SessionMemory per session key. The map is a bounded
// expirable LRU, so resident memory stays capped under many concurrent
// sessions; an evicted session simply starts empty on next access (its
// durable form lives in the external cache).
type Manager struct {
	sessions   *expirable.LRU[string, *SessionMemory]
	sf         singleflight.Group
	cfg        config.MemoryConfig
	summarizer Summarizer
	logger     *log.Logger

	compactions     otelmetric.Int64Counter
	compactionFails otelmetric.Int64Counter
}

// NewManager builds the session map.
func NewManager(cfg config.MemoryConfig, summarizer Summarizer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 1000
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if cfg.RetainTurns <= 0 {
		cfg.RetainTurns = 4
	}
	m := &Manager{
		sessions:   expirable.NewLRU[string, *SessionMemory](cfg.MaxSessions, nil, cfg.SessionTTL),
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger,
	}
	meter := otel.Meter("memory")
	m.compactions, _ = meter.Int64Counter("memory_compactions_total",
		otelmetric.WithDescription("Session compactions performed"))
	m.compactionFails, _ = meter.Int64Counter("memory_compaction_failures_total",
		otelmetric.WithDescription("Session compactions that failed and were deferred"))
	return m
}

// Get returns the memory for sessionID, creating it on first access.
// Concurrent first accesses share one in-flight creation and all receive
// the same instance.
func (m *Manager) Get(sessionID string) *SessionMemory {
	if sm, ok := m.sessions.Get(sessionID); ok {
		return sm
	}
	v, _, _ := m.sf.Do(sessionID, func() (interface{}, error) {
		if sm, ok := m.sessions.Get(sessionID); ok {
			return sm, nil
		}
		sm := &SessionMemory{
			id:              sessionID,
			budget:          m.cfg.TokenBudget,
			retain:          m.cfg.RetainTurns,
			summarizer:      m.summarizer,
			logger:          m.logger,
			compactions:     m.compactions,
			compactionFails: m.compactionFails,
		}
		m.sessions.Add(sessionID, sm)
		return sm, nil
	})
	return v.(*SessionMemory)
}

// Len reports how many sessions are currently resident.
func (m *Manager) Len() int { return m.sessions.Len() }

// SessionMemory is the compacting conversational memory of one session.
// Writes for a session are serialized by its mutex, which is the
// per-key sequencing point: turns apply in submission order, and
// compaction happens synchronously inside the write that overflows the
// budget.
type SessionMemory struct {
	mu         sync.Mutex
	id         string
	turns      []models.Turn
	summary    string
	budget     int
	retain     int
	summarizer Summarizer
	logger     *log.Logger

	compactions     otelmetric.Int64Counter
	compactionFails otelmetric.Int64Counter
}

// ID returns the opaque caller-supplied session key.
func (s *SessionMemory) ID() string { return s.id }

// Append records a turn, compacting older turns into the running summary
// once the token estimate exceeds the budget. A failed summarization
// keeps the turns unsummarized; the next write retries.
func (s *SessionMemory) Append(ctx context.Context, role models.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, models.Turn{Role: role, Text: text, Timestamp: time.Now().UTC()})
	if s.estimate() > s.budget {
		s.compact(ctx)
	}
}

// compact summarizes all but the most recent turns. Caller holds s.mu.
func (s *SessionMemory) compact(ctx context.Context) {
	if len(s.turns) <= 1 {
		// A single turn cannot be compacted further; it is always retained
		// even when it alone exceeds the budget.
		return
	}
	// Oversized turns shrink the retained window below retain so the
	// budget holds even with no room left for the summary. At least one
	// turn is always summarized when the budget overflows, regardless of
	// how few turns the session holds.
	cut := len(s.turns) - s.retain
	if cut < 1 {
		cut = 1
	}
	for cut < len(s.turns)-1 && estimateTokens(formatTurns(s.turns[cut:])) > s.budget {
		cut++
	}
	old := s.turns[:cut]
	recent := s.turns[cut:]

	text := s.summary
	if text != "" {
		text += "\n"
	}
	text += formatTurns(old)

	summary, err := s.summarizer.Summarize(ctx, text)
	if err != nil {
		// History is never dropped on a failed summarization.
		s.compactionFails.Add(ctx, 1)
		s.logger.Printf("warn: compaction failed for session %s, retrying on next write: %v", s.id, err)
		return
	}
	s.compactions.Add(ctx, 1)

	room := s.budget - estimateTokens(formatTurns(recent))
	if room < 0 {
		room = 0
	}
	s.summary = clipTokens(summary, room)
	s.turns = append([]models.Turn(nil), recent...)
}

// Context returns the compacted view for prompt assembly: running
// summary first, then the retained turns in order.
func (s *SessionMemory) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b []byte
	if s.summary != "" {
		b = append(b, "Conversation summary:\n"...)
		b = append(b, s.summary...)
		b = append(b, "\n\n"...)
	}
	b = append(b, formatTurns(s.turns)...)
	return string(b)
}

// Snapshot exports the session state for external caching.
func (s *SessionMemory) Snapshot() models.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ConversationState{
		SessionID: s.id,
		Summary:   s.summary,
		Turns:     append([]models.Turn(nil), s.turns...),
		UpdatedAt: time.Now().UTC(),
	}
}

// Restore loads previously cached state into an empty session. Non-empty
// sessions ignore the restore; in-process state is authoritative.
func (s *SessionMemory) Restore(state models.ConversationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > 0 || s.summary != "" {
		return
	}
	s.summary = state.Summary
	s.turns = append([]models.Turn(nil), state.Turns...)
}

// estimate is the token estimate of the whole session. Caller holds s.mu.
func (s *SessionMemory) estimate() int {
	return estimateTokens(s.summary) + estimateTokens(formatTurns(s.turns))
}

func formatTurns(turns []models.Turn) string {
	var b []byte
	for _, t := range turns {
		b = append(b, t.Role...)
		b = append(b, ": "...)
		b = append(b, t.Text...)
		b = append(b, '\n')
	}
	return string(b)
}

// estimateTokens approximates tokens as len/4, the usual rule of thumb
// for English text.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// clipTokens truncates s to at most budget estimated tokens, cutting on
// a rune boundary so the summary stays valid UTF-8.
func clipTokens(s string, budget int) string {
	maxLen := budget * 4
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
