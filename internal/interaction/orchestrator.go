// Package interaction is the single conversational entry point. It classifies
// each user turn, hands inbox work to execution agents, owns the draft
// confirmation flow and writes the conversation log.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/agents"
	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/followup"
	"inbox-assistant/internal/history"
	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/storage"
)

var ErrEmptyMessage = errors.New("message is empty")

type OutcomeKind string

const (
	OutcomeReply       OutcomeKind = "reply"
	OutcomeDispatch    OutcomeKind = "dispatch"
	OutcomeDraftPrompt OutcomeKind = "draft_confirmation"
	OutcomeSent        OutcomeKind = "sent"
	// OutcomeWait means an identical turn is still being processed and no
	// reply is emitted for this one.
	OutcomeWait OutcomeKind = "wait"
)

// Reply is what one user turn produced.
type Reply struct {
	Kind   OutcomeKind
	Intent IntentKind
	Text   string
	Result *agents.Result
}

// Dispatcher runs execution agents.
type Dispatcher interface {
	Run(ctx context.Context, ins agents.Instruction) agents.Result
}

type FollowUps interface {
	Resolve(ctx context.Context, userID, utterance string) followup.Decision
}

// Memory is the write side of working memory.
type Memory interface {
	Trigger(userID string)
	Clear(ctx context.Context, userID string) error
}

type roster interface {
	Agents(ctx context.Context, userID string) ([]string, error)
}

type Deps struct {
	History   *history.Manager
	Memory    Memory
	Profiles  storage.ProfileStore
	Drafts    *drafts.Machine
	Runner    Dispatcher
	FollowUps FollowUps
	Roster    roster
	// Chat answers conversational turns; nil falls back to a fixed reply.
	Chat llm.Client
}

type Orchestrator struct {
	d Deps

	turns  *userLocks
	writes *userLocks

	mu          sync.Mutex
	inflight    map[string]map[string]bool
	generations map[string]uint64

	logger zerolog.Logger
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		d:           d,
		turns:       newUserLocks(),
		writes:      newUserLocks(),
		inflight:    make(map[string]map[string]bool),
		generations: make(map[string]uint64),
		logger:      log.With().Str("component", "interaction").Logger(),
	}
}

const (
	helpReply       = "I can help with your inbox: ask about your latest emails, or have me draft, send, forward or reply to messages."
	noDraftReply    = "I couldn't find a draft to send. Want me to create one?"
	sentReply       = "Sent it."
	contextHint     = "Use the search tool to find the emails this is about. When several match, use the one with the newest timestamp. Prefer broad OR queries such as from:NAME OR subject:\"NAME\" OR \"NAME\" over exact ones."
	interactionRole = `You are a helpful email assistant. You talk with the user and delegate inbox work to execution agents.
Never claim to have read, searched, drafted or sent anything in this reply: inbox work is done by the agents and reported separately.
Answer briefly and in plain text.`
)

// Submit processes one user turn. Several messages may be submitted at once;
// all are recorded and the last one is answered. The call returns when the
// turn is settled.
func (o *Orchestrator) Submit(ctx context.Context, userID string, messages ...string) (Reply, error) {
	var texts []string
	for _, m := range messages {
		if m = strings.TrimSpace(m); m != "" {
			texts = append(texts, m)
		}
	}
	if len(texts) == 0 {
		return Reply{}, ErrEmptyMessage
	}
	text := texts[len(texts)-1]

	key := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if !o.begin(userID, key) {
		o.logger.Info().Str("user_id", userID).Msg("identical turn in flight, waiting")
		return Reply{Kind: OutcomeWait}, nil
	}
	defer o.end(userID, key)

	release := o.turns.Lock(userID)
	defer release()

	var (
		gen  uint64
		turn storage.ConversationEntry
	)
	err := o.write(userID, func() error {
		gen = o.generation(userID)
		for _, t := range texts {
			e, err := o.d.History.AppendUser(ctx, userID, t)
			if err != nil {
				return err
			}
			turn = e
		}
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("record user turn: %w", err)
	}

	reply := o.respond(ctx, userID, text, turn.TurnIndex)
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = "Done."
	}

	err = o.write(userID, func() error {
		if o.generation(userID) != gen {
			o.logger.Info().Str("user_id", userID).Msg("history cleared during turn, reply not recorded")
			return nil
		}
		_, _, err := o.d.History.AppendAssistant(ctx, userID, reply.Text)
		return err
	})
	if err != nil {
		o.logger.Error().Err(err).Str("user_id", userID).Msg("failed to record assistant reply")
	}
	if o.d.Memory != nil {
		o.d.Memory.Trigger(userID)
	}
	return reply, nil
}

// Notify appends a proactive assistant turn. It does not wait for a chat turn
// in progress; the conversation store orders both.
func (o *Orchestrator) Notify(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	err := o.write(userID, func() error {
		_, _, err := o.d.History.AppendAssistant(ctx, userID, text)
		return err
	})
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	if o.d.Memory != nil {
		o.d.Memory.Trigger(userID)
	}
	return nil
}

// ClearHistory removes the user's conversation and working memory at once.
// Turns in flight finish but their replies are not recorded. Drafts stay.
func (o *Orchestrator) ClearHistory(ctx context.Context, userID string) error {
	return o.write(userID, func() error {
		o.mu.Lock()
		o.generations[userID]++
		o.mu.Unlock()
		if err := o.d.History.Reset(ctx, userID); err != nil {
			return fmt.Errorf("clear conversation: %w", err)
		}
		if o.d.Memory != nil {
			if err := o.d.Memory.Clear(ctx, userID); err != nil {
				return fmt.Errorf("clear working memory: %w", err)
			}
		}
		return nil
	})
}

// History returns the raw conversation, oldest first.
func (o *Orchestrator) History(ctx context.Context, userID string) ([]storage.ConversationEntry, error) {
	return o.d.History.Get(ctx, userID)
}

// SetUserName stores the name used for draft sign-offs.
func (o *Orchestrator) SetUserName(ctx context.Context, userID, name string) error {
	return o.d.Profiles.Upsert(ctx, storage.UserProfile{UserID: userID, UserName: name})
}

// Agents lists the execution agents the user has worked with.
func (o *Orchestrator) Agents(ctx context.Context, userID string) ([]string, error) {
	if o.d.Roster == nil {
		return nil, nil
	}
	return o.d.Roster.Agents(ctx, userID)
}

func (o *Orchestrator) respond(ctx context.Context, userID, text string, turn int64) (out Reply) {
	logger := o.logger.With().Str("user_id", userID).Int64("turn", turn).Logger()

	hctx, err := o.d.History.Load(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("conversation context unavailable, answering without it")
		hctx = history.Context{Degraded: true}
	}
	state, err := o.d.Drafts.Current(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("draft state unavailable")
		state = drafts.NoDraft{}
	}
	live, hasDraft := drafts.Live(state)
	intent := Classify(text, hasDraft)
	defer func() {
		if out.Intent == "" {
			out.Intent = intent.Kind
		}
	}()
	logger.Debug().Str("intent", string(intent.Kind)).Bool("has_draft", hasDraft).Msg("classified turn")

	if _, awaiting := state.(drafts.AwaitingConfirmation); awaiting {
		switch intent.Kind {
		case IntentInboxRead, IntentForward, IntentReply, IntentFollowUp:
			if _, err := o.d.Drafts.Discard(ctx, userID); err != nil {
				logger.Warn().Err(err).Msg("failed to discard superseded draft")
			} else {
				logger.Info().Str("draft_id", live.DraftID).Msg("draft discarded by new instruction")
			}
			hasDraft = false
		}
	}

	reply := Reply{Kind: OutcomeReply, Intent: intent.Kind}
	name := o.userName(ctx, userID)

	switch intent.Kind {
	case IntentSetName:
		if err := o.SetUserName(ctx, userID, intent.Name); err != nil {
			logger.Warn().Err(err).Msg("failed to store user name")
			reply.Text = "I couldn't save your name right now. Please try again."
			return reply
		}
		reply.Text = fmt.Sprintf("Nice to meet you, %s. I'll sign your drafts with that name.", intent.Name)
		return reply

	case IntentDiscard:
		if !hasDraft {
			reply.Text = "There's no pending draft to discard."
			return reply
		}
		d, err := o.d.Drafts.Discard(ctx, userID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to discard draft")
			reply.Text = "I couldn't discard the draft right now. Please try again."
			return reply
		}
		reply.Text = fmt.Sprintf("Okay, I discarded the draft to %s.", d.Draft.To)
		return reply

	case IntentSend:
		return o.send(ctx, userID, name, text, turn, hctx, live, hasDraft)

	case IntentDraft:
		ins := o.instruction(userID, name, turn, agents.TaskDraft, text, "", hctx)
		if hasDraft {
			rec := live
			ins.Draft = &rec
		}
		res := o.d.Runner.Run(ctx, ins)
		return o.presentDraft(ctx, userID, res)

	case IntentForward:
		return o.dispatch(ctx, o.instruction(userID, name, turn, agents.TaskForward, text, intent.Query, hctx))

	case IntentReply:
		return o.dispatch(ctx, o.instruction(userID, name, turn, agents.TaskReply, text, intent.Query, hctx))

	case IntentInboxRead:
		return o.dispatch(ctx, o.instruction(userID, name, turn, agents.TaskInboxRead, text, intent.Query, hctx))

	case IntentFollowUp:
		d := o.d.FollowUps.Resolve(ctx, userID, text)
		if !d.Reuse() {
			logger.Info().Str("reason", d.Reason).Str("query", d.FallbackQuery).Msg("follow-up falls back to a fresh search")
			return o.dispatch(ctx, o.instruction(userID, name, turn, agents.TaskInboxRead, text, d.FallbackQuery, hctx))
		}
		ins := o.instruction(userID, name, turn, agents.TaskFollowUp, text, d.Referent.Query, hctx)
		ins.Referent = d.Referent.Emails
		return o.dispatch(ctx, ins)

	default:
		reply.Text = o.chat(ctx, name, hctx)
		return reply
	}
}

// send executes the live draft only if it is exactly what was presented.
func (o *Orchestrator) send(ctx context.Context, userID, name, text string, turn int64, hctx history.Context, live drafts.Record, hasDraft bool) Reply {
	reply := Reply{Kind: OutcomeReply, Intent: IntentSend}
	rec, err := o.d.Drafts.ReadyToSend(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, drafts.ErrNoDraft):
		reply.Text = noDraftReply
		return reply
	case (errors.Is(err, drafts.ErrIllegalTransition) || errors.Is(err, drafts.ErrDraftMismatch)) && hasDraft:
		// never shown as it is now: show it and ask again
		if _, perr := o.d.Drafts.Presented(ctx, userID, live); perr != nil {
			o.logger.Warn().Err(perr).Str("user_id", userID).Msg("failed to present draft")
		}
		reply.Kind = OutcomeDraftPrompt
		reply.Text = agents.DraftSummary(live)
		return reply
	default:
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("draft state unreadable")
		reply.Text = "I couldn't check your draft right now. Please try again."
		return reply
	}

	ins := o.instruction(userID, name, turn, agents.TaskSend, text, "", hctx)
	ins.Draft = &rec
	res := o.d.Runner.Run(ctx, ins)
	reply.Result = &res
	if !res.OK() {
		reply.Kind = OutcomeDispatch
		reply.Text = res.Summary
		return reply
	}
	if _, err := o.d.Drafts.MarkSent(ctx, userID, rec.DraftID, res.SentMessageID); err != nil {
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("sent draft could not be cleared")
	}
	reply.Kind = OutcomeSent
	reply.Text = sentReply
	return reply
}

func (o *Orchestrator) presentDraft(ctx context.Context, userID string, res agents.Result) Reply {
	reply := Reply{Kind: OutcomeDispatch, Intent: IntentDraft, Text: res.Summary, Result: &res}
	if !res.OK() || res.Draft == nil {
		return reply
	}
	rec := *res.Draft
	rec.UserID = userID
	if _, err := o.d.Drafts.Created(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("user_id", userID).Msg("failed to store draft")
		reply.Text = "I created the draft but couldn't keep track of it. Please ask me to draft it again."
		return reply
	}
	if _, err := o.d.Drafts.Presented(ctx, userID, rec); err != nil {
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to mark draft as presented")
	}
	reply.Kind = OutcomeDraftPrompt
	return reply
}

func (o *Orchestrator) dispatch(ctx context.Context, ins agents.Instruction) Reply {
	res := o.d.Runner.Run(ctx, ins)
	if !res.OK() {
		o.logger.Warn().
			Err(res.Err).
			Str("user_id", ins.UserID).
			Str("status", string(res.Status)).
			Msg("execution agent did not succeed")
	}
	return Reply{Kind: OutcomeDispatch, Text: res.Summary, Result: &res}
}

func (o *Orchestrator) instruction(userID, name string, turn int64, kind agents.TaskKind, text, query string, hctx history.Context) agents.Instruction {
	var b strings.Builder
	b.WriteString(text)
	switch kind {
	case agents.TaskInboxRead, agents.TaskForward, agents.TaskReply, agents.TaskDraft:
		b.WriteString("\n\n")
		b.WriteString(contextHint)
	}
	if name != "" && (kind == agents.TaskDraft || kind == agents.TaskReply) {
		fmt.Fprintf(&b, "\nThe user's name is %s. Sign the email with it.", name)
	}
	return agents.Instruction{
		UserID:    userID,
		UserName:  name,
		TurnIndex: turn,
		Kind:      kind,
		Text:      b.String(),
		Query:     query,
		Context:   hctx.Transcript(),
	}
}

func (o *Orchestrator) chat(ctx context.Context, name string, hctx history.Context) string {
	if o.d.Chat == nil {
		return helpReply
	}
	system := interactionRole
	if name != "" {
		system += "\nThe user's name is " + name + "."
	}
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, hctx.Messages()...)
	resp, err := o.d.Chat.Generate(ctx, msgs)
	if err != nil {
		o.logger.Warn().Err(err).Msg("chat completion failed")
		return "Sorry, I couldn't answer that right now. Please try again."
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return text
	}
	return helpReply
}

func (o *Orchestrator) userName(ctx context.Context, userID string) string {
	if o.d.Profiles == nil {
		return ""
	}
	p, err := o.d.Profiles.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn().Err(err).Str("user_id", userID).Msg("profile unavailable")
		}
		return ""
	}
	return p.UserName
}

func (o *Orchestrator) write(userID string, fn func() error) error {
	release := o.writes.Lock(userID)
	defer release()
	return fn()
}

func (o *Orchestrator) generation(userID string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generations[userID]
}

func (o *Orchestrator) begin(userID, key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := o.inflight[userID]
	if keys == nil {
		keys = make(map[string]bool)
		o.inflight[userID] = keys
	}
	if keys[key] {
		return false
	}
	keys[key] = true
	return true
}

func (o *Orchestrator) end(userID, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight[userID], key)
	if len(o.inflight[userID]) == 0 {
		delete(o.inflight, userID)
	}
}
