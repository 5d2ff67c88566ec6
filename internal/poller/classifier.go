package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/llm"
)

// ImportantLabel is the provider label used when no model verdict is available.
const ImportantLabel = "IMPORTANT"

// Classifier picks the messages worth interrupting the user for.
type Classifier interface {
	Important(ctx context.Context, emails []inbox.Email) ([]string, error)
}

// LabelClassifier trusts the provider's importance label.
type LabelClassifier struct{}

func (LabelClassifier) Important(_ context.Context, emails []inbox.Email) ([]string, error) {
	var ids []string
	for _, e := range emails {
		if e.HasLabel(ImportantLabel) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

const classifierPrompt = `You triage incoming email for a busy person.
Mark a message important only if it needs their attention soon: direct requests,
deadlines, meetings, payments, security alerts, or personal messages from real people.
Newsletters, promotions and automated notifications are not important.
Answer with JSON only: {"important_ids": ["<id>", ...]}`

// LLMClassifier asks a completion model and falls back to the provider
// label when the call or its answer is unusable.
type LLMClassifier struct {
	client   llm.Client
	fallback Classifier
}

func NewLLMClassifier(client llm.Client) *LLMClassifier {
	return &LLMClassifier{client: client, fallback: LabelClassifier{}}
}

type verdict struct {
	ImportantIDs []string `json:"important_ids"`
}

func (c *LLMClassifier) Important(ctx context.Context, emails []inbox.Email) ([]string, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, e := range emails {
		fmt.Fprintf(&b, "id: %s\nfrom: %s\nsubject: %s\nlabels: %s\ntext: %s\n\n",
			e.ID, e.From, e.Subject, strings.Join(e.Labels, ","), clip(e.Text(), 500))
	}
	resp, err := c.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: classifierPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	})
	if err != nil {
		log.Warn().Err(err).Msg("importance classifier unavailable, using labels")
		return c.fallback.Important(ctx, emails)
	}
	var v verdict
	if err := parseJSON(resp.Content, &v); err != nil {
		log.Warn().Err(err).Str("content", clip(resp.Content, 200)).Msg("unparseable importance verdict, using labels")
		return c.fallback.Important(ctx, emails)
	}

	// ids the model invented are dropped
	known := make(map[string]bool, len(emails))
	for _, e := range emails {
		known[e.ID] = true
	}
	var ids []string
	for _, id := range v.ImportantIDs {
		if known[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseJSON(content string, target interface{}) error {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return json.Unmarshal([]byte(strings.TrimSpace(content)), target)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
