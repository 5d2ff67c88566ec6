package inbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SentMessage records a delivery made through the sandbox.
type SentMessage struct {
	ID        string
	Kind      string // draft, forward, reply
	To        string
	Subject   string
	Body      string
	Reference string
}

// Sandbox is an in-process mailbox. It understands a small subset of the
// Gmail query language: from:, to:, subject:, after:, is:/label:, quoted
// phrases, bare words and OR between alternatives.
type Sandbox struct {
	mu       sync.Mutex
	messages []Email
	drafts   map[string]SentMessage
	sent     []SentMessage
	failures map[string]error
	calls    map[string]int
}

func NewSandbox(seed ...Email) *Sandbox {
	s := &Sandbox{
		drafts:   make(map[string]SentMessage),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
	s.Deliver(seed...)
	return s
}

// Deliver adds messages to the mailbox.
func (s *Sandbox) Deliver(emails ...Email) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range emails {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.ThreadID == "" {
			e.ThreadID = e.ID
		}
		s.messages = append(s.messages, e)
	}
}

// FailOn makes every later call of op ("search", "create_draft", "execute_draft",
// "forward", "reply") fail with err; a nil err clears it.
func (s *Sandbox) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how often op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Sandbox) Drafts() map[string]SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SentMessage, len(s.drafts))
	for k, v := range s.drafts {
		out[k] = v
	}
	return out
}

func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Sandbox) Search(_ context.Context, query string, max int) ([]Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("search"); err != nil {
		return nil, err
	}
	alternatives := splitOr(query)
	var out []Email
	for _, m := range s.messages {
		for _, alt := range alternatives {
			if matchAll(m, alt) {
				out = append(out, m)
				break
			}
		}
	}
	SortNewestFirst(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *Sandbox) CreateDraft(_ context.Context, to, subject, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("create_draft"); err != nil {
		return "", err
	}
	id := "draft-" + uuid.NewString()
	s.drafts[id] = SentMessage{ID: id, Kind: "draft", To: to, Subject: subject, Body: body}
	return id, nil
}

func (s *Sandbox) ExecuteDraft(_ context.Context, draftID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("execute_draft"); err != nil {
		return "", err
	}
	d, ok := s.drafts[draftID]
	if !ok {
		return "", fmt.Errorf("draft %s not found", draftID)
	}
	delete(s.drafts, draftID)
	d.ID = "msg-" + uuid.NewString()
	d.Reference = draftID
	s.sent = append(s.sent, d)
	return d.ID, nil
}

func (s *Sandbox) Forward(_ context.Context, messageID, to, note string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("forward"); err != nil {
		return "", err
	}
	orig, ok := s.find(messageID)
	if !ok {
		return "", fmt.Errorf("message %s not found", messageID)
	}
	m := SentMessage{ID: "msg-" + uuid.NewString(), Kind: "forward", To: to, Subject: "Fwd: " + orig.Subject, Body: note, Reference: messageID}
	s.sent = append(s.sent, m)
	return m.ID, nil
}

func (s *Sandbox) Reply(_ context.Context, threadID, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("reply"); err != nil {
		return "", err
	}
	var orig Email
	found := false
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			orig, found = m, true
		}
	}
	if !found {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	m := SentMessage{ID: "msg-" + uuid.NewString(), Kind: "reply", To: orig.From, Subject: "Re: " + orig.Subject, Body: body, Reference: threadID}
	s.sent = append(s.sent, m)
	return m.ID, nil
}

func (s *Sandbox) find(id string) (Email, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Email{}, false
}

func splitOr(query string) [][]string {
	var out [][]string
	for _, alt := range strings.Split(query, " OR ") {
		out = append(out, tokenize(alt))
	}
	return out
}

// tokenize splits on whitespace, keeping quoted phrases (optionally behind a
// field prefix) together.
func tokenize(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quote = !quote
		case (r == ' ' || r == '\t') && !quote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func matchAll(m Email, terms []string) bool {
	for _, t := range terms {
		if !matchTerm(m, t) {
			return false
		}
	}
	return true
}

func matchTerm(m Email, term string) bool {
	field, value, ok := strings.Cut(term, ":")
	if !ok {
		return containsFold(m.Subject+" "+m.From+" "+m.Text(), term)
	}
	switch strings.ToLower(field) {
	case "from":
		return containsFold(m.From, value)
	case "to":
		return containsFold(m.To, value)
	case "subject":
		return containsFold(m.Subject, value)
	case "after":
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return true
		}
		return m.Timestamp.After(time.Unix(sec, 0))
	case "is", "label":
		return m.HasLabel(value)
	case "in":
		return true
	default:
		return containsFold(m.Subject+" "+m.From+" "+m.Text(), term)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
