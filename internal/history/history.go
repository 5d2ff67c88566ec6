package history

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/storage"
)

// summaryReader is the read side of the working-memory summarizer.
type summaryReader interface {
	State(ctx context.Context, userID string) (storage.SummaryState, error)
}

// Context is the reconstructed conversation: compacted summary plus every
// raw entry past it.
type Context struct {
	Summary string
	Entries []storage.ConversationEntry
	// Degraded is set when the summary could not be read and the raw tail
	// is used on its own.
	Degraded bool
}

// Manager owns the per-user conversation log on behalf of the orchestrator.
type Manager struct {
	conv      storage.ConversationStore
	summaries summaryReader
	// fallbackTail bounds the raw read when no summary is available.
	fallbackTail int
	logger       zerolog.Logger
}

func NewManager(conv storage.ConversationStore, summaries summaryReader, fallbackTail int) *Manager {
	if fallbackTail <= 0 {
		fallbackTail = 50
	}
	return &Manager{
		conv:         conv,
		summaries:    summaries,
		fallbackTail: fallbackTail,
		logger:       log.With().Str("component", "history").Logger(),
	}
}

func (m *Manager) AppendUser(ctx context.Context, userID, content string) (storage.ConversationEntry, error) {
	return m.conv.Append(ctx, userID, storage.RoleUser, content)
}

// AppendAssistant appends a reply unless it repeats the previous entry, which
// is already an identical assistant reply. appended reports what happened.
func (m *Manager) AppendAssistant(ctx context.Context, userID, content string) (storage.ConversationEntry, bool, error) {
	last, err := m.conv.List(ctx, userID, storage.NewestFirst, 1)
	if err != nil {
		return storage.ConversationEntry{}, false, err
	}
	if len(last) == 1 && last[0].Role == storage.RoleAssistant && last[0].Content == content {
		return last[0], false, nil
	}
	e, err := m.conv.Append(ctx, userID, storage.RoleAssistant, content)
	if err != nil {
		return storage.ConversationEntry{}, false, err
	}
	return e, true, nil
}

// Get returns the full raw log, oldest first.
func (m *Manager) Get(ctx context.Context, userID string) ([]storage.ConversationEntry, error) {
	return m.conv.List(ctx, userID, storage.OldestFirst, 0)
}

// Reset removes the raw log. The summary is cleared by its owner.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	return m.conv.Clear(ctx, userID)
}

// Load reconstructs the working memory. A failing summary read degrades to
// the most recent raw entries; a failing log read is returned.
func (m *Manager) Load(ctx context.Context, userID string) (Context, error) {
	state, err := m.summaries.State(ctx, userID)
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("summary unavailable, using raw tail")
		recent, lerr := m.conv.List(ctx, userID, storage.NewestFirst, m.fallbackTail)
		if lerr != nil {
			return Context{}, lerr
		}
		reverse(recent)
		return Context{Entries: recent, Degraded: true}, nil
	}

	rest, err := m.conv.ListAfter(ctx, userID, state.CoveredUpTo)
	if err != nil {
		if len(state.Tail) == 0 {
			return Context{}, err
		}
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("raw log unavailable, using stored tail")
		return Context{Summary: state.SummaryText, Entries: state.Tail, Degraded: true}, nil
	}
	return Context{Summary: state.SummaryText, Entries: rest}, nil
}

// Messages renders the context for a chat completion.
func (c Context) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.Entries)+1)
	if s := strings.TrimSpace(c.Summary); s != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Summary of the earlier conversation:\n" + s})
	}
	for _, e := range c.Entries {
		out = append(out, llm.Message{Role: string(e.Role), Content: e.Content})
	}
	return out
}

// Transcript renders the context as tagged text for worker instructions.
func (c Context) Transcript() string {
	var parts []string
	if s := strings.TrimSpace(c.Summary); s != "" {
		parts = append(parts, "<conversation_summary>"+html.EscapeString(s)+"</conversation_summary>")
	}
	for _, e := range c.Entries {
		tag := "user_message"
		if e.Role == storage.RoleAssistant {
			tag = "assistant_message"
		}
		parts = append(parts, fmt.Sprintf(`<%s timestamp="%s">%s</%s>`,
			tag, e.CreatedAt.Format("2006-01-02 15:04:05"), html.EscapeString(e.Content), tag))
	}
	return strings.Join(parts, "\n")
}

// LastAssistant returns the most recent assistant reply in the context.
func (c Context) LastAssistant() (storage.ConversationEntry, bool) {
	for i := len(c.Entries) - 1; i >= 0; i-- {
		if c.Entries[i].Role == storage.RoleAssistant {
			return c.Entries[i], true
		}
	}
	return storage.ConversationEntry{}, false
}

func reverse(es []storage.ConversationEntry) {
	for i, j := 0, len(es)-1; i < j; i, j = i+1, j-1 {
		es[i], es[j] = es[j], es[i]
	}
}
