package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/storage"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusToolError Status = "tool_error"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// Result is the structured outcome of one invocation. Summary is safe to
// show to the user.
type Result struct {
	InvocationID  string
	AgentName     string
	Kind          TaskKind
	Status        Status
	Summary       string
	Invocations   []Invocation
	SearchResults []inbox.Email
	Searched      bool
	Draft         *drafts.Record
	SentMessageID string
	Err           error
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// FinalSummaryPayload is the execution-log payload of a final_summary step.
type FinalSummaryPayload struct {
	Status    Status         `json:"status"`
	Summary   string         `json:"summary"`
	Draft     *drafts.Record `json:"draft,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Results   int            `json:"results,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// InstructionPayload is the execution-log payload of an instruction step.
type InstructionPayload struct {
	Kind         TaskKind     `json:"kind"`
	Text         string       `json:"text"`
	Query        string       `json:"query,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	// Referent is the result set a follow-up answers from.
	Referent []inbox.Email `json:"referent,omitempty"`
}

// DefaultAgentName names the agent used for a task kind when the caller
// does not pick one.
func DefaultAgentName(kind TaskKind) string {
	switch kind {
	case TaskInboxRead:
		return "Inbox Reader"
	case TaskDraft:
		return "Draft Writer"
	case TaskSend:
		return "Draft Sender"
	case TaskForward:
		return "Forwarder"
	case TaskReply:
		return "Reply Writer"
	case TaskFollowUp:
		return "Follow-up"
	default:
		return "Inbox Agent"
	}
}

// Runner is the only writer of the execution log.
type Runner struct {
	worker       Worker
	inboxes      inbox.Directory
	log          storage.ExecutionLog
	timeout      time.Duration
	historyLimit int
	logger       zerolog.Logger
}

func NewRunner(worker Worker, inboxes inbox.Directory, execLog storage.ExecutionLog, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Runner{
		worker:       worker,
		inboxes:      inboxes,
		log:          execLog,
		timeout:      timeout,
		historyLimit: 12,
		logger:       log.With().Str("component", "runner").Logger(),
	}
}

type workerReturn struct {
	out Outcome
	err error
}

// Run executes one invocation. It never returns a raw fault: every failure
// is folded into Result.
func (r *Runner) Run(ctx context.Context, ins Instruction) Result {
	if ins.AgentName == "" {
		ins.AgentName = DefaultAgentName(ins.Kind)
	}
	if ins.Capabilities == nil {
		ins.Capabilities = DefaultCapabilities(ins.Kind)
	}
	res := Result{InvocationID: uuid.NewString(), AgentName: ins.AgentName, Kind: ins.Kind}
	logger := r.logger.With().
		Str("user_id", ins.UserID).
		Str("agent", ins.AgentName).
		Str("invocation_id", res.InvocationID).
		Str("kind", string(ins.Kind)).
		Logger()

	ins.Context = r.withAgentHistory(ctx, ins)

	tr := &transcript{
		log:    r.log,
		logger: logger,
		base: storage.ExecutionAgentEntry{
			UserID:       ins.UserID,
			InvocationID: res.InvocationID,
			AgentName:    ins.AgentName,
			TaskKind:     string(ins.Kind),
			TurnIndex:    ins.TurnIndex,
		},
	}
	storeCtx := context.WithoutCancel(ctx)
	tr.add(storeCtx, storage.StepInstruction, InstructionPayload{
		Kind:         ins.Kind,
		Text:         ins.Text,
		Query:        ins.Query,
		Capabilities: ins.Capabilities,
		Referent:     ins.Referent,
	})

	var provider inbox.Provider
	if len(ins.Capabilities) > 0 {
		p, err := r.inboxes.For(ctx, ins.UserID)
		if err != nil {
			te := &ToolError{Tool: "connect", Err: err}
			res.Status, res.Summary, res.Err = StatusToolError, te.UserMessage(), te
			tr.seal(storeCtx, finalPayload(res))
			logger.Warn().Err(err).Msg("no mailbox for user")
			return res
		}
		provider = p
	}
	tools := newToolset(provider, ins, func(kind storage.StepKind, payload interface{}) {
		tr.add(storeCtx, kind, payload)
	})

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan workerReturn, 1)
	go func() {
		out, err := r.worker.Run(runCtx, ins, tools)
		done <- workerReturn{out: out, err: err}
	}()

	var ret workerReturn
	select {
	case ret = <-done:
	case <-runCtx.Done():
		ret = workerReturn{err: runCtx.Err()}
	}

	switch {
	case errors.Is(ret.err, ErrWorkerTimeout) || errors.Is(ret.err, context.DeadlineExceeded) || (ret.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)):
		tools.close()
		res.Status = StatusTimeout
		res.Err = ErrWorkerTimeout
		res.Summary = "I'm still working on that and ran out of time. Please try again in a moment."
		logger.Warn().Dur("elapsed", time.Since(started)).Msg("worker timed out")
	case ret.err != nil:
		tools.close()
		if fails := tools.Failures(); len(fails) > 0 {
			last := fails[len(fails)-1]
			res.Status, res.Summary, res.Err = StatusToolError, last.UserMessage(), last
		} else {
			res.Status, res.Err = StatusFailed, ret.err
			res.Summary = "I couldn't complete that task right now. Please try again."
		}
		logger.Error().Err(ret.err).Msg("worker failed")
	default:
		r.finish(runCtx, ins, tools, ret.out, &res, logger)
		tools.close()
	}

	res.Invocations = tools.Invocations()
	res.SearchResults, _ = tools.SearchResults()
	res.Searched = tools.Searched()
	tr.seal(storeCtx, finalPayload(res))

	logger.Info().
		Str("status", string(res.Status)).
		Int("tools", len(res.Invocations)).
		Dur("elapsed", time.Since(started)).
		Msg("worker finished")
	return res
}

// finish enforces the per-kind rules on a worker that returned normally.
func (r *Runner) finish(ctx context.Context, ins Instruction, tools *Toolset, out Outcome, res *Result, logger zerolog.Logger) {
	res.Status = StatusSuccess
	res.Summary = out.Text

	switch ins.Kind {
	case TaskInboxRead:
		if !tools.Searched() {
			// An answer about the inbox without a search in this run is rejected.
			logger.Info().Msg("worker answered without searching, forcing search")
			emails, err := tools.Search(ctx, ins.Query, defaultSearchLimit)
			if err != nil {
				r.toolFailure(tools, res)
				return
			}
			res.Summary = SearchSummary(emails)
			return
		}
		emails, ok := tools.SearchResults()
		if !ok {
			r.toolFailure(tools, res)
			return
		}
		if strings.TrimSpace(res.Summary) == "" || strings.Contains(strings.ToLower(res.Summary), "tool_code") {
			res.Summary = SearchSummary(emails)
		}
	case TaskDraft:
		if d := tools.Draft(); d != nil {
			d.UserID = ins.UserID
			res.Draft = d
			res.Summary = DraftSummary(*d)
			return
		}
		if len(tools.Failures()) > 0 {
			r.toolFailure(tools, res)
		}
	case TaskSend:
		if tools.SentID() == "" && len(tools.Failures()) == 0 {
			// The user already confirmed; the send itself is not up to the model.
			if _, err := tools.SendDraft(ctx); err != nil {
				r.toolFailure(tools, res)
				return
			}
		}
		if tools.SentID() == "" {
			r.toolFailure(tools, res)
			return
		}
		res.SentMessageID = tools.SentID()
		res.Summary = "Sent it."
	case TaskFollowUp:
		if strings.TrimSpace(res.Summary) == "" {
			res.Summary = SearchSummary(ins.Referent)
		}
	case TaskForward, TaskReply:
		if tools.SentID() == "" && len(tools.Failures()) > 0 {
			r.toolFailure(tools, res)
			return
		}
		res.SentMessageID = tools.SentID()
	}
	if strings.TrimSpace(res.Summary) == "" {
		res.Summary = "Done."
	}
}

func (r *Runner) toolFailure(tools *Toolset, res *Result) {
	fails := tools.Failures()
	if len(fails) == 0 {
		res.Status, res.Err = StatusFailed, errors.New("task produced no result")
		res.Summary = "I couldn't complete that task right now. Please try again."
		return
	}
	last := fails[len(fails)-1]
	res.Status, res.Summary, res.Err = StatusToolError, last.UserMessage(), last
}

// withAgentHistory prepends the named agent's recent transcript.
func (r *Runner) withAgentHistory(ctx context.Context, ins Instruction) string {
	if r.historyLimit <= 0 || r.log == nil {
		return ins.Context
	}
	entries, err := r.log.RecentForAgent(ctx, ins.UserID, ins.AgentName, r.historyLimit)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", ins.UserID).Msg("agent history unavailable")
		return ins.Context
	}
	if len(entries) == 0 {
		return ins.Context
	}
	var b strings.Builder
	b.WriteString("Earlier work by this agent:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", e.Kind, truncate(e.Payload, 400))
	}
	if strings.TrimSpace(ins.Context) != "" {
		b.WriteString("\n")
		b.WriteString(ins.Context)
	}
	return b.String()
}

func finalPayload(res Result) FinalSummaryPayload {
	p := FinalSummaryPayload{
		Status:    res.Status,
		Summary:   res.Summary,
		Draft:     res.Draft,
		MessageID: res.SentMessageID,
		Results:   len(res.SearchResults),
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

// transcript appends steps of one invocation in order; nothing is written
// after the final summary.
type transcript struct {
	mu     sync.Mutex
	sealed bool
	log    storage.ExecutionLog
	base   storage.ExecutionAgentEntry
	logger zerolog.Logger
}

func (t *transcript) add(ctx context.Context, kind storage.StepKind, payload interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.write(ctx, kind, payload)
}

func (t *transcript) seal(ctx context.Context, payload FinalSummaryPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.write(ctx, storage.StepFinalSummary, payload)
	t.sealed = true
}

func (t *transcript) write(ctx context.Context, kind storage.StepKind, payload interface{}) {
	if t.log == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn().Err(err).Str("step", string(kind)).Msg("failed to encode step")
		return
	}
	e := t.base
	e.Kind = kind
	e.Payload = string(data)
	if err := t.log.Append(ctx, e); err != nil {
		t.logger.Warn().Err(err).Str("step", string(kind)).Msg("failed to append execution entry")
	}
}

// SearchSummary describes the newest message of a result set.
func SearchSummary(emails []inbox.Email) string {
	newest, ok := inbox.Newest(emails)
	if !ok {
		return "I couldn't find any emails matching that."
	}
	sender := strings.TrimSpace(newest.From)
	if sender == "" {
		sender = "Unknown sender"
	}
	subject := strings.TrimSpace(newest.Subject)
	if subject == "" {
		subject = "No subject"
	}
	return fmt.Sprintf("Latest email from %s: %s (%s). Summary: %s",
		sender, subject, newest.Timestamp.Format("2006-01-02 15:04"), FirstSentences(newest.Text(), 2))
}

// DraftSummary repeats the draft verbatim for confirmation.
func DraftSummary(d drafts.Record) string {
	return "Here's the draft:\n\n" + d.Render() + "\n\nShould I send it?"
}

var sentence = regexp.MustCompile(`[^.!?]+[.!?]+`)

// FirstSentences returns up to n sentences of text with whitespace collapsed.
func FirstSentences(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "(no text)"
	}
	parts := sentence.FindAllString(text, n)
	if len(parts) == 0 {
		return truncate(text, 200)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
