package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/llm"
)

const DefaultMaxIterations = 8

const workerPrompt = `You are %s, an execution agent acting on the user's mailbox.
Rules:
- Use only the tools you were given.
- Any question about emails requires calling search_inbox first. Never answer from memory.
- "Latest" means the message with the greatest timestamp unless the task asks for another order.
- When you create a draft, repeat the recipient, subject and body exactly as created.
- Never send anything unless the task says the user confirmed it.
- If a tool fails, say what you tried and what failed.
- Answer in plain sentences; do not show tool names or JSON.`

// LLMWorker drives a tool-calling model for at most MaxIterations rounds.
type LLMWorker struct {
	client        llm.ToolClient
	maxIterations int
	logger        zerolog.Logger
}

func NewLLMWorker(client llm.ToolClient, maxIterations int) *LLMWorker {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &LLMWorker{
		client:        client,
		maxIterations: maxIterations,
		logger:        log.With().Str("component", "worker").Logger(),
	}
}

func (w *LLMWorker) Run(ctx context.Context, ins Instruction, tools *Toolset) (Outcome, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(ins)},
		{Role: llm.RoleUser, Content: taskMessage(ins)},
	}
	schema := tools.Tools()

	for i := 0; i < w.maxIterations; i++ {
		w.logger.Debug().Str("agent", ins.AgentName).Int("iteration", i+1).Msg("requesting plan")
		resp, err := w.client.GenerateWithTools(ctx, msgs, schema)
		if err != nil {
			return Outcome{}, fmt.Errorf("completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return Outcome{Text: strings.TrimSpace(resp.Content)}, nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			payload, err := tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if errors.Is(err, ErrWorkerTimeout) || ctx.Err() != nil {
				return Outcome{}, ErrWorkerTimeout
			}
			if err != nil {
				w.logger.Warn().Err(err).Str("agent", ins.AgentName).Str("tool", call.Function.Name).Msg("tool failed")
			}
			id := call.ID
			if id == "" {
				id = call.Function.Name
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: payload})
		}
	}
	return Outcome{}, ErrIterationLimit
}

func systemPrompt(ins Instruction) string {
	name := ins.AgentName
	if name == "" {
		name = "Inbox Agent"
	}
	var b strings.Builder
	fmt.Fprintf(&b, workerPrompt, name)
	if ins.UserName != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s; sign drafts with it.", ins.UserName)
	}
	if c := strings.TrimSpace(ins.Context); c != "" {
		b.WriteString("\n\nRelevant context:\n")
		b.WriteString(c)
	}
	return b.String()
}

func taskMessage(ins Instruction) string {
	var b strings.Builder
	b.WriteString(ins.Text)
	if ins.Draft != nil && ins.Kind == TaskSend {
		fmt.Fprintf(&b, "\n\nConfirmed draft:\n%s", ins.Draft.Render())
	}
	if len(ins.Referent) > 0 {
		data, err := json.MarshalIndent(ins.Referent, "", "  ")
		if err == nil {
			b.WriteString("\n\nEmails from the previous search (newest first):\n")
			b.Write(data)
		}
	}
	return b.String()
}
