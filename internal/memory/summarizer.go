package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/storage"
)

const summarizerPrompt = `You maintain the working memory of an email assistant.
Merge the previous summary with the new conversation turns into one concise summary.
Keep names, email addresses, subjects, decisions, open requests and pending drafts.
Never drop facts from the previous summary unless a newer turn contradicts them.
Reply with the summary text only.`

// LLMText returns a TextFunc backed by a completion client.
func LLMText(client llm.Client) TextFunc {
	return func(ctx context.Context, previous string, folded []storage.ConversationEntry) (string, error) {
		var b strings.Builder
		if strings.TrimSpace(previous) != "" {
			b.WriteString("Previous summary:\n")
			b.WriteString(previous)
			b.WriteString("\n\n")
		}
		b.WriteString("New turns:\n")
		for _, e := range folded {
			fmt.Fprintf(&b, "[%d] %s: %s\n", e.TurnIndex, e.Role, e.Content)
		}
		resp, err := client.Generate(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: summarizerPrompt},
			{Role: llm.RoleUser, Content: b.String()},
		})
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", errors.New("empty summary")
		}
		return text, nil
	}
}

// Summarizer is the only writer of SummaryState. Each user has an epoch that
// Clear bumps; a run that started in an older epoch never persists.
type Summarizer struct {
	conv   storage.ConversationStore
	sums   storage.SummaryStore
	policy Policy
	text   TextFunc
	logger zerolog.Logger

	mu       sync.Mutex
	epochs   map[string]uint64
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewSummarizer(conv storage.ConversationStore, sums storage.SummaryStore, policy Policy, text TextFunc) *Summarizer {
	return &Summarizer{
		conv:     conv,
		sums:     sums,
		policy:   policy,
		text:     text,
		logger:   log.With().Str("component", "summarizer").Logger(),
		epochs:   make(map[string]uint64),
		inflight: make(map[string]bool),
	}
}

func (s *Summarizer) Policy() Policy { return s.policy }

// Trigger runs MaybeSummarize in the background. At most one run per user is
// in flight; extra triggers are dropped and picked up on the next overflow.
func (s *Summarizer) Trigger(userID string) {
	if !s.policy.Enabled() {
		return
	}
	s.mu.Lock()
	if s.inflight[userID] {
		s.mu.Unlock()
		return
	}
	s.inflight[userID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, userID)
			s.mu.Unlock()
		}()
		if _, err := s.MaybeSummarize(context.Background(), userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("working memory compaction skipped")
		}
	}()
}

// Wait blocks until all triggered runs finish.
func (s *Summarizer) Wait() { s.wg.Wait() }

// MaybeSummarize compacts the user's log when it overflows. It reports whether
// a new state was stored.
func (s *Summarizer) MaybeSummarize(ctx context.Context, userID string) (bool, error) {
	if !s.policy.Enabled() {
		return false, nil
	}
	epoch := s.epoch(userID)

	state, err := s.sums.Load(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load summary state: %w", err)
	}
	entries, err := s.conv.ListAfter(ctx, userID, state.CoveredUpTo)
	if err != nil {
		return false, fmt.Errorf("read unsummarized entries: %w", err)
	}

	next, changed, err := Fold(ctx, state, entries, s.policy, s.text)
	if err != nil || !changed {
		return false, err
	}

	if s.epoch(userID) != epoch {
		s.logger.Info().Str("user_id", userID).Msg("history cleared during compaction, result dropped")
		return false, nil
	}
	if err := s.sums.Save(ctx, next); err != nil {
		if errors.Is(err, storage.ErrStaleSummary) {
			s.logger.Info().Str("user_id", userID).Msg("summary state moved on, result dropped")
			return false, nil
		}
		return false, fmt.Errorf("save summary state: %w", err)
	}
	s.logger.Debug().
		Str("user_id", userID).
		Int64("covered_up_to", next.CoveredUpTo).
		Int("tail", len(next.Tail)).
		Msg("working memory compacted")
	return true, nil
}

// Clear drops the user's summary and invalidates any run in flight.
func (s *Summarizer) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.epochs[userID]++
	s.mu.Unlock()
	return s.sums.Delete(ctx, userID)
}

// State returns the stored summary for context assembly.
func (s *Summarizer) State(ctx context.Context, userID string) (storage.SummaryState, error) {
	return s.sums.Load(ctx, userID)
}

func (s *Summarizer) epoch(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[userID]
}
