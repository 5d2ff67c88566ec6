// Package followup decides whether an ambiguous utterance ("give me details",
// "what did it say?") refers to the result of the user's previous inbox search.
package followup

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/agents"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/storage"
)

// Referent is a prior search result set.
type Referent struct {
	InvocationID string
	AgentName    string
	Query        string
	TurnIndex    int64
	Emails       []inbox.Email
	At           time.Time
}

// Decision is either a referent to reuse or a fallback query to search with.
type Decision struct {
	Referent      *Referent
	FallbackQuery string
	Reason        string
}

func (d Decision) Reuse() bool { return d.Referent != nil }

type Resolver struct {
	log    storage.ExecutionLog
	conv   storage.ConversationStore
	logger zerolog.Logger
}

func NewResolver(execLog storage.ExecutionLog, conv storage.ConversationStore) *Resolver {
	return &Resolver{
		log:    execLog,
		conv:   conv,
		logger: log.With().Str("component", "followup").Logger(),
	}
}

// Resolve only ever looks at the most recent invocation. Any failure or doubt
// resolves to the fallback.
func (r *Resolver) Resolve(ctx context.Context, userID, utterance string) Decision {
	fallback := func(reason string, terms []string) Decision {
		phrase := strings.Join(terms, " ")
		if phrase == "" {
			phrase = strings.Join(Terms(utterance), " ")
		}
		return Decision{FallbackQuery: inbox.FuzzyQuery(phrase), Reason: reason}
	}

	steps, err := r.log.LatestInvocation(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("execution log unavailable")
		return fallback("execution log unavailable", nil)
	}
	ref, ok := lastSearch(steps)
	if !ok {
		return fallback("no prior search", nil)
	}

	if ref.TurnIndex >= 0 && r.conv != nil {
		if _, err := r.conv.Get(ctx, userID, ref.TurnIndex); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				r.logger.Warn().Err(err).Str("user_id", userID).Msg("conversation lookup failed")
			}
			return fallback("search belongs to a cleared conversation", nil)
		}
	}

	if missing := unmatched(Terms(utterance), ref.Emails); len(missing) > 0 {
		return fallback("utterance names something outside the previous results", missing)
	}
	return Decision{Referent: ref, Reason: "previous search"}
}

// lastSearch returns the last successful search of an invocation.
func lastSearch(steps []storage.ExecutionAgentEntry) (*Referent, bool) {
	var (
		ref   *Referent
		query string
	)
	for _, s := range steps {
		switch s.Kind {
		case storage.StepInstruction:
			// a follow-up carries its referent forward
			var ins agents.InstructionPayload
			if json.Unmarshal([]byte(s.Payload), &ins) != nil || len(ins.Referent) == 0 {
				continue
			}
			emails := append([]inbox.Email(nil), ins.Referent...)
			inbox.SortNewestFirst(emails)
			ref = &Referent{
				InvocationID: s.InvocationID,
				AgentName:    s.AgentName,
				Query:        ins.Query,
				TurnIndex:    s.TurnIndex,
				Emails:       emails,
				At:           s.CreatedAt,
			}
		case storage.StepToolCall:
			var call agents.ToolCallPayload
			if json.Unmarshal([]byte(s.Payload), &call) == nil && call.Tool == agents.ToolSearch {
				query, _ = call.Arguments["query"].(string)
			}
		case storage.StepToolResult:
			var res agents.ToolResultPayload
			if json.Unmarshal([]byte(s.Payload), &res) != nil {
				continue
			}
			if res.Tool != agents.ToolSearch || res.Status != agents.StatusOK {
				continue
			}
			emails := append([]inbox.Email(nil), res.Emails...)
			inbox.SortNewestFirst(emails)
			ref = &Referent{
				InvocationID: s.InvocationID,
				AgentName:    s.AgentName,
				Query:        query,
				TurnIndex:    s.TurnIndex,
				Emails:       emails,
				At:           s.CreatedAt,
			}
		}
	}
	return ref, ref != nil
}

var (
	wordRe   = regexp.MustCompile(`[\p{L}\p{N}@._+-]+`)
	quotedRe = regexp.MustCompile(`"([^"]+)"`)
)

// filler is the vocabulary of follow-up requests themselves; none of it
// identifies a sender or topic.
var filler = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a an the this that these those it its it's them they their there here
		me my mine i you your we our us he she his her him
		and or but of to in on at for with by about from into over than then so as
		is are was were be been being do does did done has have had can could would should will shall may might must
		what which who whom whose when where why how
		give show tell read open send sent say said says saying more details detail detailed info information
		summary summarize summarise explain expand full whole rest body content contents text
		email emails mail mails message messages inbox thread threads one ones first second third last latest
		newest recent previous earlier above same again also just only please thanks thank ok okay yes no
		any all some each every other else another get got let see look find found need want like
		about regarding re fwd what's who's`) {
		filler[w] = true
	}
}

// Terms extracts the words of an utterance that could name a sender or topic.
func Terms(utterance string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		t = strings.Trim(t, ".,!?;:'-")
		k := strings.ToLower(t)
		if len([]rune(k)) < 3 || filler[k] || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, t)
	}
	for _, m := range quotedRe.FindAllStringSubmatch(utterance, -1) {
		add(strings.TrimSpace(m[1]))
	}
	rest := quotedRe.ReplaceAllString(utterance, " ")
	for _, w := range wordRe.FindAllString(rest, -1) {
		add(w)
	}
	return out
}

func unmatched(terms []string, emails []inbox.Email) []string {
	var missing []string
	for _, t := range terms {
		found := false
		for _, e := range emails {
			hay := strings.ToLower(e.From + " " + e.To + " " + e.Subject + " " + e.Text())
			if strings.Contains(hay, strings.ToLower(t)) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, t)
		}
	}
	return missing
}
