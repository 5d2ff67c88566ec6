// Package inbox defines the mailbox capability set consumed by workers and
// the poller. Concrete backends live in internal/gmail.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned when a user has no mailbox attached.
var ErrNotConnected = errors.New("inbox not connected")

type Email struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Labels    []string  `json:"labels,omitempty"`
}

// HasLabel reports whether the provider tagged the message with label.
func (e Email) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Text returns the clean body, falling back to the snippet.
func (e Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	return e.Snippet
}

// Provider is the full capability set. Every call may fail; callers treat
// failures as tool errors, never as fatal.
type Provider interface {
	// Search returns up to max messages matching query, newest first.
	Search(ctx context.Context, query string, max int) ([]Email, error)
	// CreateDraft stores an unsent draft and returns its handle.
	CreateDraft(ctx context.Context, to, subject, body string) (string, error)
	// ExecuteDraft sends a draft and returns the sent message id.
	ExecuteDraft(ctx context.Context, draftID string) (string, error)
	Forward(ctx context.Context, messageID, to, note string) (string, error)
	Reply(ctx context.Context, threadID, body string) (string, error)
}

// Directory resolves the mailbox attached to a user.
type Directory interface {
	For(ctx context.Context, userID string) (Provider, error)
}

// StaticDirectory maps user ids to providers; Default serves everyone else.
type StaticDirectory struct {
	mu      sync.RWMutex
	byUser  map[string]Provider
	Default Provider
}

func NewStaticDirectory(def Provider) *StaticDirectory {
	return &StaticDirectory{byUser: make(map[string]Provider), Default: def}
}

func (d *StaticDirectory) Attach(userID string, p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byUser[userID] = p
}

func (d *StaticDirectory) For(_ context.Context, userID string) (Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.byUser[userID]; ok && p != nil {
		return p, nil
	}
	if d.Default != nil {
		return d.Default, nil
	}
	return nil, ErrNotConnected
}

// SortNewestFirst orders by timestamp descending; equal timestamps keep their
// original relative order.
func SortNewestFirst(emails []Email) {
	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].Timestamp.After(emails[j].Timestamp)
	})
}

// Newest returns the message with the greatest timestamp.
func Newest(emails []Email) (Email, bool) {
	if len(emails) == 0 {
		return Email{}, false
	}
	best := emails[0]
	for _, e := range emails[1:] {
		if e.Timestamp.After(best.Timestamp) {
			best = e
		}
	}
	return best, true
}

// FuzzyQuery builds a provider query that matches a loose reference to a
// sender or topic.
func FuzzyQuery(phrase string) string {
	phrase = strings.TrimSpace(strings.ReplaceAll(phrase, `"`, ""))
	if phrase == "" {
		return "in:inbox"
	}
	if !strings.ContainsAny(phrase, " \t") {
		return fmt.Sprintf(`from:%s OR subject:"%s" OR "%s"`, phrase, phrase, phrase)
	}
	return fmt.Sprintf(`subject:"%s" OR "%s"`, phrase, phrase)
}

// LookbackQuery scopes a query to messages newer than now-window.
func LookbackQuery(base string, now time.Time, window time.Duration) string {
	after := now.Add(-window).Unix()
	q := fmt.Sprintf("after:%d", after)
	if strings.TrimSpace(base) != "" {
		q = base + " " + q
	}
	return q
}
