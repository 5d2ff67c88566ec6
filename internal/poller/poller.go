// Package poller watches connected inboxes for newly arrived important mail
// and publishes a proactive notification for it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/notify"
	"inbox-assistant/internal/scheduler"
	"inbox-assistant/internal/storage"
)

const (
	jobName     = "important-email-poll"
	searchLimit = 25
	baseQuery   = "in:inbox"
)

// Publisher accepts notifications for delivery.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification) error
}

type Options struct {
	Interval time.Duration
	Lookback time.Duration
	// Users returns the ids to poll on each cycle.
	Users func(ctx context.Context) ([]string, error)
	// Now is overridable for tests.
	Now func() time.Time
}

type Poller struct {
	inboxes    inbox.Directory
	seen       storage.SeenStore
	classifier Classifier
	publisher  Publisher
	opts       Options
	logger     zerolog.Logger

	// lifecycle guards sched; it is held while Stop waits for a cycle.
	lifecycle sync.Mutex
	sched     *scheduler.Scheduler

	mu     sync.Mutex
	primed map[string]bool
}

func New(inboxes inbox.Directory, seen storage.SeenStore, classifier Classifier, publisher Publisher, opts Options) *Poller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if classifier == nil {
		classifier = LabelClassifier{}
	}
	return &Poller{
		inboxes:    inboxes,
		seen:       seen,
		classifier: classifier,
		publisher:  publisher,
		opts:       opts,
		primed:     make(map[string]bool),
		logger:     log.With().Str("component", "poller").Logger(),
	}
}

// Start schedules RunOnce every interval on a fresh scheduler.
func (p *Poller) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.sched != nil && p.sched.IsRunning() {
		return nil
	}
	s := scheduler.New()
	if err := s.Every(jobName, p.opts.Interval, p.RunOnce); err != nil {
		return err
	}
	p.sched = s
	s.Start()
	p.logger.Info().Dur("interval", p.opts.Interval).Dur("lookback", p.opts.Lookback).Msg("important email poller started")
	return nil
}

// Stop waits for an in-progress cycle to return.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.sched == nil {
		return
	}
	p.sched.Stop()
	p.sched = nil
}

// RunOnce performs a single poll cycle over every user. A failing user does
// not prevent the others from being polled; the joined error is returned.
func (p *Poller) RunOnce(ctx context.Context) error {
	users, err := p.opts.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users to poll: %w", err)
	}
	var errs []error
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := p.pollUser(ctx, userID)
		if err != nil {
			p.logger.Error().Err(err).Str("user_id", userID).Msg("poll cycle failed")
			errs = append(errs, fmt.Errorf("poll %s: %w", userID, err))
			continue
		}
		if n > 0 {
			p.logger.Info().Str("user_id", userID).Int("important", n).Msg("important email notification published")
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) pollUser(ctx context.Context, userID string) (int, error) {
	provider, err := p.inboxes.For(ctx, userID)
	if err != nil {
		return 0, err
	}
	primed, err := p.isPrimed(ctx, userID)
	if err != nil {
		return 0, err
	}

	query := inbox.LookbackQuery(baseQuery, p.opts.Now(), p.opts.Lookback)
	found, err := provider.Search(ctx, query, searchLimit)
	if err != nil {
		return 0, fmt.Errorf("search inbox: %w", err)
	}

	var fresh []inbox.Email
	for _, e := range found {
		ok, err := p.seen.IsSeen(ctx, userID, e.ID)
		if err != nil {
			return 0, err
		}
		if !ok {
			fresh = append(fresh, e)
		}
	}
	inbox.SortNewestFirst(fresh)

	// The first cycle for a user only records what is already there.
	if !primed {
		if err := p.seen.MarkSeen(ctx, userID, oldestFirst(fresh)); err != nil {
			return 0, err
		}
		p.markPrimed(userID)
		return 0, nil
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	importantIDs, err := p.classifier.Important(ctx, fresh)
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	wanted := make(map[string]bool, len(importantIDs))
	for _, id := range importantIDs {
		wanted[id] = true
	}
	var important []inbox.Email
	for _, e := range fresh {
		if wanted[e.ID] {
			important = append(important, e)
		}
	}

	if len(important) > 0 {
		err := p.publisher.Publish(ctx, notify.Notification{
			UserID:     userID,
			Text:       Render(important),
			MessageIDs: ids(important),
			CreatedAt:  p.opts.Now().UTC(),
		})
		if err != nil {
			// not marked seen, so the next cycle retries
			return 0, err
		}
	}
	return len(important), p.seen.MarkSeen(ctx, userID, oldestFirst(fresh))
}

func (p *Poller) isPrimed(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	ok := p.primed[userID]
	p.mu.Unlock()
	if ok {
		return true, nil
	}
	return p.seen.HasEntries(ctx, userID)
}

func (p *Poller) markPrimed(userID string) {
	p.mu.Lock()
	p.primed[userID] = true
	p.mu.Unlock()
}

// Render formats the notification text for important messages, newest first.
func Render(emails []inbox.Email) string {
	if len(emails) == 1 {
		e := emails[0]
		return fmt.Sprintf("New important email from %s: %s", e.From, subjectOf(e))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new important emails:", len(emails))
	for _, e := range emails {
		fmt.Fprintf(&b, "\n- %s: %s", e.From, subjectOf(e))
	}
	return b.String()
}

func subjectOf(e inbox.Email) string {
	if strings.TrimSpace(e.Subject) == "" {
		return "(no subject)"
	}
	return e.Subject
}

// oldestFirst lists ids of newest-first emails in reverse, so the seen
// store's pruning keeps the newest.
func oldestFirst(emails []inbox.Email) []string {
	out := ids(emails)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func ids(emails []inbox.Email) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, e.ID)
	}
	return out
}
