// Package storage holds the durable records of the assistant: the per-user
// conversation log, working-memory summaries, execution-agent transcripts,
// user profiles and the poller's seen-message set.
//
// Every store is safe for concurrent use. Writes are serialized by the
// underlying database connection; ordering within a user is defined by
// turn_index (conversation) and insertion id (execution log).
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrStaleSummary is returned when a summary write would move coverage
	// backwards or refers to turns that no longer exist (history was cleared).
	ErrStaleSummary = errors.New("storage: stale summary state")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationEntry is one turn. TurnIndex is strictly increasing per user and
// is never reused, even after the history is cleared.
type ConversationEntry struct {
	UserID    string    `json:"user_id"`
	TurnIndex int64     `json:"turn_index"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NoTurn marks a summary that covers nothing yet.
const NoTurn int64 = -1

// SummaryState is the compacted part of a user's working memory.
type SummaryState struct {
	UserID      string              `json:"user_id"`
	SummaryText string              `json:"summary_text"`
	CoveredUpTo int64               `json:"covered_up_to_turn_index"`
	Tail        []ConversationEntry `json:"tail_entries"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// EmptySummary returns the state of a user that has never been summarized.
func EmptySummary(userID string) SummaryState {
	return SummaryState{UserID: userID, CoveredUpTo: NoTurn}
}

type StepKind string

const (
	StepInstruction  StepKind = "instruction"
	StepToolCall     StepKind = "tool_call"
	StepToolResult   StepKind = "tool_result"
	StepFinalSummary StepKind = "final_summary"
)

// ExecutionAgentEntry is one step of a worker invocation transcript.
type ExecutionAgentEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	InvocationID string    `json:"worker_invocation_id"`
	AgentName    string    `json:"agent_name"`
	TaskKind     string    `json:"task_kind"`
	TurnIndex    int64     `json:"turn_index"`
	Kind         StepKind  `json:"step_kind"`
	Payload      string    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserProfile struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

type ConversationStore interface {
	// Append assigns the next turn index and persists the entry.
	Append(ctx context.Context, userID string, role Role, content string) (ConversationEntry, error)
	// List returns up to limit entries (limit <= 0 means all) in the given order.
	List(ctx context.Context, userID string, order Order, limit int) ([]ConversationEntry, error)
	// ListAfter returns entries with turn_index > after, oldest first.
	ListAfter(ctx context.Context, userID string, after int64) ([]ConversationEntry, error)
	// CountAfter counts entries with turn_index > after.
	CountAfter(ctx context.Context, userID string, after int64) (int, error)
	// Get returns a single entry or ErrNotFound.
	Get(ctx context.Context, userID string, turnIndex int64) (ConversationEntry, error)
	// Clear removes all entries of the user. Turn indexes keep increasing afterwards.
	Clear(ctx context.Context, userID string) error
}

type SummaryStore interface {
	// Load returns EmptySummary when nothing was stored.
	Load(ctx context.Context, userID string) (SummaryState, error)
	// Save overwrites the user's state; see ErrStaleSummary.
	Save(ctx context.Context, state SummaryState) error
	Delete(ctx context.Context, userID string) error
}

type ExecutionLog interface {
	Append(ctx context.Context, entry ExecutionAgentEntry) error
	// Invocation returns the ordered steps of one invocation.
	Invocation(ctx context.Context, userID, invocationID string) ([]ExecutionAgentEntry, error)
	// LatestInvocation returns the steps of the user's most recent invocation,
	// or nil when the user has none.
	LatestInvocation(ctx context.Context, userID string) ([]ExecutionAgentEntry, error)
	// RecentForAgent returns up to limit most recent steps for a named agent, oldest first.
	RecentForAgent(ctx context.Context, userID, agentName string, limit int) ([]ExecutionAgentEntry, error)
	// Agents lists the distinct agent names the user has dispatched to.
	Agents(ctx context.Context, userID string) ([]string, error)
}

type ProfileStore interface {
	Upsert(ctx context.Context, profile UserProfile) error
	// Get returns ErrNotFound for unknown users.
	Get(ctx context.Context, userID string) (UserProfile, error)
}

type SeenStore interface {
	IsSeen(ctx context.Context, userID, messageID string) (bool, error)
	// MarkSeen records ids and prunes the oldest beyond the store's limit.
	MarkSeen(ctx context.Context, userID string, messageIDs []string) error
	HasEntries(ctx context.Context, userID string) (bool, error)
}
