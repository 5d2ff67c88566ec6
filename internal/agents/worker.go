// Package agents runs execution agents: stateless workers that get one task
// instruction and a restricted inbox toolset, and return a structured result.
package agents

import (
	"context"
	"errors"
	"fmt"

	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/inbox"
)

// TaskKind tags an invocation in the execution log.
type TaskKind string

const (
	TaskInboxRead TaskKind = "inbox_read"
	TaskDraft     TaskKind = "draft"
	TaskSend      TaskKind = "send"
	TaskForward   TaskKind = "forward"
	TaskReply     TaskKind = "reply"
	// TaskFollowUp answers from a previous search result without tools.
	TaskFollowUp TaskKind = "follow_up"
)

type Capability string

const (
	CapSearch       Capability = "search"
	CapCreateDraft  Capability = "create_draft"
	CapExecuteDraft Capability = "execute_draft"
	CapForward      Capability = "forward"
	CapReply        Capability = "reply"
)

// DefaultCapabilities is the toolset each task kind gets.
func DefaultCapabilities(kind TaskKind) []Capability {
	switch kind {
	case TaskInboxRead:
		return []Capability{CapSearch}
	case TaskDraft:
		return []Capability{CapSearch, CapCreateDraft}
	case TaskSend:
		return []Capability{CapExecuteDraft}
	case TaskForward:
		return []Capability{CapSearch, CapForward}
	case TaskReply:
		return []Capability{CapSearch, CapReply}
	default:
		return nil
	}
}

// Instruction is everything a worker is allowed to know about the task.
type Instruction struct {
	UserID    string
	UserName  string
	AgentName string
	TurnIndex int64
	Kind      TaskKind
	Text      string
	// Query is the search the orchestrator derived; used when the worker
	// has to be made to search.
	Query        string
	Context      string
	Capabilities []Capability
	// Draft is the live draft: the only one a send task may execute, and the
	// one a draft task reuses when asked for identical contents.
	Draft *drafts.Record
	// Referent is a prior search result handed to a follow-up task.
	Referent []inbox.Email
}

// Outcome is what a worker hands back to the runner.
type Outcome struct {
	Text string
}

// Worker runs one bounded episode. Implementations keep no state between calls.
type Worker interface {
	Run(ctx context.Context, ins Instruction, tools *Toolset) (Outcome, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, ins Instruction, tools *Toolset) (Outcome, error)

func (f WorkerFunc) Run(ctx context.Context, ins Instruction, tools *Toolset) (Outcome, error) {
	return f(ctx, ins, tools)
}

var (
	ErrWorkerTimeout  = errors.New("worker timed out")
	ErrIterationLimit = errors.New("worker reached tool iteration limit")
	ErrToolNotAllowed = errors.New("tool not in worker capability set")
)

// ToolError is a failed inbox operation.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("%s failed: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// UserMessage describes the failure without provider details.
func (e *ToolError) UserMessage() string {
	if errors.Is(e.Err, inbox.ErrNotConnected) {
		return "Your mailbox isn't connected yet. Connect Gmail and try again."
	}
	action := map[string]string{
		ToolSearch:      "search your inbox",
		ToolCreateDraft: "create the draft",
		ToolSendDraft:   "send the draft",
		ToolForward:     "forward that email",
		ToolReply:       "send the reply",
	}[e.Tool]
	if action == "" {
		action = "finish that inbox operation"
	}
	return fmt.Sprintf("I tried to %s but the mail service returned an error. Please try again or rephrase.", action)
}
