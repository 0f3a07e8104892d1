package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/studiora/mentorcore/config"
)

// Kind identifies a cached entity class with its own key namespace and TTL.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindContext       Kind = "context"
	KindUserData      Kind = "user_data"
	KindAgentInsights Kind = "agent_insights"
)

// ErrMissingIdentifier reports a key request with an empty or absent
// identifier. This is a contract error of the single request.
var ErrMissingIdentifier = errors.New("cache: missing key identifier")

// arity is the number of identifiers each kind requires.
var arity = map[Kind]int{
	KindConversation:  2, // userID, taskContext
	KindContext:       3, // userID, agentRole, taskID
	KindUserData:      1, // userID
	KindAgentInsights: 2, // userID, agentRole
}

// Policy is the pure mapping from (kind, identifiers) to a namespaced key
// and its expiry. It performs no I/O.
type Policy struct {
	ttl config.TTLConfig
}

// NewPolicy builds a key policy from the configured per-kind TTLs.
func NewPolicy(ttl config.TTLConfig) Policy {
	return Policy{ttl: ttl}
}

// Key formats a colon-delimited key for kind and returns it with the
// kind's TTL. Identifier tuples of the same kind never collide: colons
// inside identifiers are escaped before joining.
func (p Policy) Key(kind Kind, ids ...string) (string, time.Duration, error) {
	want, ok := arity[kind]
	if !ok {
		return "", 0, fmt.Errorf("cache: unknown key kind %q", kind)
	}
	if len(ids) != want {
		return "", 0, fmt.Errorf("%w: kind %s wants %d identifiers, got %d",
			ErrMissingIdentifier, kind, want, len(ids))
	}
	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, string(kind))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return "", 0, fmt.Errorf("%w: kind %s", ErrMissingIdentifier, kind)
		}
		parts = append(parts, strings.ReplaceAll(id, ":", "%3A"))
	}
	return strings.Join(parts, ":"), p.TTLFor(kind), nil
}

// TTLFor returns the configured expiry for kind.
func (p Policy) TTLFor(kind Kind) time.Duration {
	switch kind {
	case KindConversation:
		return p.ttl.Conversation
	case KindContext:
		return p.ttl.Context
	case KindUserData:
		return p.ttl.UserData
	case KindAgentInsights:
		return p.ttl.AgentInsights
	default:
		return 0
	}
}

// ConversationKey maps a (user, task context) pair to its conversation
// state key.
func (p Policy) ConversationKey(userID, taskContext string) (string, time.Duration, error) {
	return p.Key(KindConversation, userID, taskContext)
}

// ContextKey maps a (user, agent role, task) tuple to its context
// snapshot key.
func (p Policy) ContextKey(userID, agentRole, taskID string) (string, time.Duration, error) {
	return p.Key(KindContext, userID, agentRole, taskID)
}

// UserDataKey maps a user to their profile snapshot key.
func (p Policy) UserDataKey(userID string) (string, time.Duration, error) {
	return p.Key(KindUserData, userID)
}

// InsightsKey maps a (user, agent role) pair to its insight snapshot key.
func (p Policy) InsightsKey(userID, agentRole string) (string, time.Duration, error) {
	return p.Key(KindAgentInsights, userID, agentRole)
}
