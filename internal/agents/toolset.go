package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/storage"
)

// Tool names as the model sees them.
const (
	ToolSearch      = "search_inbox"
	ToolCreateDraft = "create_draft"
	ToolSendDraft   = "execute_draft"
	ToolForward     = "forward_email"
	ToolReply       = "reply_to_thread"
)

const defaultSearchLimit = 10

var toolCapability = map[string]Capability{
	ToolSearch:      CapSearch,
	ToolCreateDraft: CapCreateDraft,
	ToolSendDraft:   CapExecuteDraft,
	ToolForward:     CapForward,
	ToolReply:       CapReply,
}

const (
	StatusOK    = "success"
	StatusError = "error"
)

// ToolCallPayload is the execution-log payload of a tool_call step.
type ToolCallPayload struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResultPayload is the execution-log payload of a tool_result step.
type ToolResultPayload struct {
	Tool   string        `json:"tool"`
	Status string        `json:"status"`
	Emails []inbox.Email `json:"emails,omitempty"`
	Result string        `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Invocation is one tool call as performed.
type Invocation struct {
	Tool      string
	Arguments map[string]interface{}
	Err       error
	At        time.Time
}

type observer func(kind storage.StepKind, payload interface{})

// Toolset is the restricted view of a mailbox given to one worker run. It
// records every call and what it produced.
type Toolset struct {
	provider inbox.Provider
	caps     map[Capability]bool
	userName string
	live     *drafts.Record
	observe  observer

	mu          sync.Mutex
	closed      bool
	invocations []Invocation
	searched    bool
	results     []inbox.Email
	hasResults  bool
	draft       *drafts.Record
	sentID      string
	failures    []*ToolError
}

func newToolset(provider inbox.Provider, ins Instruction, observe observer) *Toolset {
	caps := make(map[Capability]bool)
	for _, c := range ins.Capabilities {
		caps[c] = true
	}
	if observe == nil {
		observe = func(storage.StepKind, interface{}) {}
	}
	return &Toolset{provider: provider, caps: caps, userName: ins.UserName, live: ins.Draft, observe: observe}
}

func (t *Toolset) Allowed(c Capability) bool { return t.caps[c] }

// Tools returns the schema of the allowed tools only.
func (t *Toolset) Tools() []llm.Tool {
	var out []llm.Tool
	if t.caps[CapSearch] {
		out = append(out, llm.NewFunctionTool(ToolSearch,
			"Search the user's mailbox. Results come back newest first with timestamp, sender, subject and clean text. Supports Gmail query syntax (from:, subject:, after:, OR).",
			map[string]interface{}{
				"query":       llm.StringProperty("Gmail search query"),
				"max_results": llm.IntegerProperty("maximum number of messages (default 10)"),
			}, "query"))
	}
	if t.caps[CapCreateDraft] {
		out = append(out, llm.NewFunctionTool(ToolCreateDraft,
			"Create an unsent email draft. The user must confirm before anything is sent.",
			map[string]interface{}{
				"to":      llm.StringProperty("recipient email address"),
				"subject": llm.StringProperty("email subject"),
				"body":    llm.StringProperty("plain-text body"),
			}, "to", "subject", "body"))
	}
	if t.caps[CapExecuteDraft] {
		out = append(out, llm.NewFunctionTool(ToolSendDraft,
			"Send the draft the user confirmed. Takes no arguments; no other draft can be sent.",
			map[string]interface{}{}))
	}
	if t.caps[CapForward] {
		out = append(out, llm.NewFunctionTool(ToolForward,
			"Forward an existing message (use an id from search_inbox).",
			map[string]interface{}{
				"message_id": llm.StringProperty("id of the message to forward"),
				"to":         llm.StringProperty("recipient email address"),
				"note":       llm.StringProperty("optional note above the forwarded message"),
			}, "message_id", "to"))
	}
	if t.caps[CapReply] {
		out = append(out, llm.NewFunctionTool(ToolReply,
			"Reply within an existing thread (use a thread_id from search_inbox).",
			map[string]interface{}{
				"thread_id": llm.StringProperty("thread to reply to"),
				"body":      llm.StringProperty("plain-text reply"),
			}, "thread_id", "body"))
	}
	return out
}

// Execute dispatches a model tool call. A failed inbox operation is returned
// as a *ToolError next to a payload the model can read.
func (t *Toolset) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	var (
		result interface{}
		err    error
	)
	switch name {
	case ToolSearch:
		var emails []inbox.Email
		emails, err = t.Search(ctx, argString(args, "query"), argInt(args, "max_results"))
		result = emails
	case ToolCreateDraft:
		var rec drafts.Record
		rec, err = t.CreateDraft(ctx, argString(args, "to"), argString(args, "subject"), argString(args, "body"))
		result = rec
	case ToolSendDraft:
		var id string
		id, err = t.SendDraft(ctx)
		result = map[string]string{"message_id": id}
	case ToolForward:
		var id string
		id, err = t.Forward(ctx, argString(args, "message_id"), argString(args, "to"), argString(args, "note"))
		result = map[string]string{"message_id": id}
	case ToolReply:
		var id string
		id, err = t.Reply(ctx, argString(args, "thread_id"), argString(args, "body"))
		result = map[string]string{"message_id": id}
	default:
		err = fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}
	if err != nil {
		b, _ := json.Marshal(map[string]string{"status": StatusError, "error": err.Error()})
		return string(b), err
	}
	b, mErr := json.Marshal(map[string]interface{}{"status": StatusOK, "result": result})
	if mErr != nil {
		return "", mErr
	}
	return string(b), nil
}

func (t *Toolset) Search(ctx context.Context, query string, max int) ([]inbox.Email, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		query = "in:inbox"
	}
	if max <= 0 {
		max = defaultSearchLimit
	}
	args := map[string]interface{}{"query": query, "max_results": max}
	if err := t.begin(ToolSearch, args); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.searched = true
	t.mu.Unlock()

	emails, err := t.provider.Search(ctx, query, max)
	if err != nil {
		return nil, t.fail(ToolSearch, args, err)
	}
	inbox.SortNewestFirst(emails)
	t.succeed(ToolSearch, args, ToolResultPayload{Tool: ToolSearch, Status: StatusOK, Emails: emails})

	t.mu.Lock()
	t.results = emails
	t.hasResults = true
	t.mu.Unlock()
	return emails, nil
}

// CreateDraft applies the default sign-off and reuses the live draft when the
// contents are identical.
func (t *Toolset) CreateDraft(ctx context.Context, to, subject, body string) (drafts.Record, error) {
	body = drafts.ApplySignOff(body, t.userName)
	args := map[string]interface{}{"to": to, "subject": subject, "body": body}
	if err := t.begin(ToolCreateDraft, args); err != nil {
		return drafts.Record{}, err
	}
	if strings.TrimSpace(to) == "" {
		return drafts.Record{}, t.fail(ToolCreateDraft, args, errors.New("recipient is required"))
	}

	var rec drafts.Record
	if t.live != nil && t.live.SameContent(to, subject, body) {
		rec = *t.live
	} else {
		id, err := t.provider.CreateDraft(ctx, to, subject, body)
		if err != nil {
			return drafts.Record{}, t.fail(ToolCreateDraft, args, err)
		}
		rec = drafts.Record{DraftID: id, To: to, Subject: subject, Body: body, CreatedAt: time.Now().UTC()}
	}
	t.succeed(ToolCreateDraft, args, ToolResultPayload{Tool: ToolCreateDraft, Status: StatusOK, Result: rec.DraftID})

	t.mu.Lock()
	t.draft = &rec
	t.mu.Unlock()
	return rec, nil
}

// SendDraft sends the live draft handed to this run, and nothing else.
func (t *Toolset) SendDraft(ctx context.Context) (string, error) {
	args := map[string]interface{}{}
	if t.live != nil {
		args["draft_id"] = t.live.DraftID
	}
	if err := t.begin(ToolSendDraft, args); err != nil {
		return "", err
	}
	if t.live == nil {
		return "", t.fail(ToolSendDraft, args, drafts.ErrNoDraft)
	}
	t.mu.Lock()
	already := t.sentID != ""
	t.mu.Unlock()
	if already {
		return "", t.fail(ToolSendDraft, args, errors.New("draft already sent in this run"))
	}
	id, err := t.provider.ExecuteDraft(ctx, t.live.DraftID)
	if err != nil {
		return "", t.fail(ToolSendDraft, args, err)
	}
	t.succeed(ToolSendDraft, args, ToolResultPayload{Tool: ToolSendDraft, Status: StatusOK, Result: id})
	t.mu.Lock()
	t.sentID = id
	t.mu.Unlock()
	return id, nil
}

func (t *Toolset) Forward(ctx context.Context, messageID, to, note string) (string, error) {
	args := map[string]interface{}{"message_id": messageID, "to": to, "note": note}
	return t.deliver(ToolForward, args, func() (string, error) {
		return t.provider.Forward(ctx, messageID, to, note)
	})
}

func (t *Toolset) Reply(ctx context.Context, threadID, body string) (string, error) {
	args := map[string]interface{}{"thread_id": threadID, "body": body}
	return t.deliver(ToolReply, args, func() (string, error) {
		return t.provider.Reply(ctx, threadID, body)
	})
}

func (t *Toolset) deliver(tool string, args map[string]interface{}, call func() (string, error)) (string, error) {
	if err := t.begin(tool, args); err != nil {
		return "", err
	}
	id, err := call()
	if err != nil {
		return "", t.fail(tool, args, err)
	}
	t.succeed(tool, args, ToolResultPayload{Tool: tool, Status: StatusOK, Result: id})
	t.mu.Lock()
	t.sentID = id
	t.mu.Unlock()
	return id, nil
}

// begin checks permission and logs the call.
func (t *Toolset) begin(tool string, args map[string]interface{}) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrWorkerTimeout
	}
	t.observe(storage.StepToolCall, ToolCallPayload{Tool: tool, Arguments: args})
	if !t.caps[toolCapability[tool]] {
		err := &ToolError{Tool: tool, Err: ErrToolNotAllowed}
		t.observe(storage.StepToolResult, ToolResultPayload{Tool: tool, Status: StatusError, Error: err.Error()})
		t.record(tool, args, err)
		return err
	}
	return nil
}

func (t *Toolset) fail(tool string, args map[string]interface{}, err error) error {
	te := &ToolError{Tool: tool, Err: err}
	if !t.isClosed() {
		t.observe(storage.StepToolResult, ToolResultPayload{Tool: tool, Status: StatusError, Error: err.Error()})
	}
	t.record(tool, args, te)
	t.mu.Lock()
	t.failures = append(t.failures, te)
	t.mu.Unlock()
	return te
}

func (t *Toolset) succeed(tool string, args map[string]interface{}, payload ToolResultPayload) {
	if !t.isClosed() {
		t.observe(storage.StepToolResult, payload)
	}
	t.record(tool, args, nil)
}

func (t *Toolset) record(tool string, args map[string]interface{}, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invocations = append(t.invocations, Invocation{Tool: tool, Arguments: args, Err: err, At: time.Now().UTC()})
}

func (t *Toolset) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// close stops further calls from being performed or logged.
func (t *Toolset) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Toolset) Invocations() []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Invocation(nil), t.invocations...)
}

// SearchResults returns the most recent successful search, newest first.
func (t *Toolset) SearchResults() ([]inbox.Email, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]inbox.Email(nil), t.results...), t.hasResults
}

func (t *Toolset) Searched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searched
}

func (t *Toolset) Draft() *drafts.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draft == nil {
		return nil
	}
	d := *t.draft
	return &d
}

func (t *Toolset) SentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentID
}

func (t *Toolset) Failures() []*ToolError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ToolError(nil), t.failures...)
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
