// Package drafts tracks the single live draft of each user and the
// create/confirm/send state machine around it.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoDraft means a send or discard was requested with nothing pending.
	ErrNoDraft = errors.New("no pending draft")
	// ErrIllegalTransition is returned for moves the machine does not allow.
	ErrIllegalTransition = errors.New("illegal draft transition")
	// ErrDraftMismatch means the draft differs from what the user confirmed.
	ErrDraftMismatch = errors.New("draft does not match the confirmed contents")
)

// Record is the provider-held draft as shown to the user.
type Record struct {
	UserID    string    `json:"user_id"`
	DraftID   string    `json:"draft_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SameContent reports whether the draft carries exactly these fields.
func (r Record) SameContent(to, subject, body string) bool {
	return strings.EqualFold(strings.TrimSpace(r.To), strings.TrimSpace(to)) &&
		strings.TrimSpace(r.Subject) == strings.TrimSpace(subject) &&
		strings.TrimSpace(r.Body) == strings.TrimSpace(body)
}

func (r Record) matches(o Record) bool {
	return r.DraftID == o.DraftID && r.To == o.To && r.Subject == o.Subject && r.Body == o.Body
}

// Render is the confirmation text shown to the user.
func (r Record) Render() string {
	return fmt.Sprintf("To: %s\nSubject: %s\n\n%s", r.To, r.Subject, r.Body)
}

type Phase string

const (
	PhaseNone      Phase = "no_draft"
	PhasePending   Phase = "draft_pending"
	PhaseAwaiting  Phase = "awaiting_confirmation"
	PhaseSent      Phase = "sent"
	PhaseDiscarded Phase = "discarded"
)

// State is a tagged variant; the concrete types below are its only members.
type State interface {
	Phase() Phase
}

type NoDraft struct{}

type DraftPending struct {
	Draft Record
}

// AwaitingConfirmation remembers exactly what was presented.
type AwaitingConfirmation struct {
	Draft       Record
	Shown       Record
	PresentedAt time.Time
}

type Sent struct {
	Draft     Record
	MessageID string
}

type Discarded struct {
	Draft Record
}

func (NoDraft) Phase() Phase              { return PhaseNone }
func (DraftPending) Phase() Phase         { return PhasePending }
func (AwaitingConfirmation) Phase() Phase { return PhaseAwaiting }
func (Sent) Phase() Phase                 { return PhaseSent }
func (Discarded) Phase() Phase            { return PhaseDiscarded }

// Live returns the draft held by s, if any.
func Live(s State) (Record, bool) {
	switch st := s.(type) {
	case DraftPending:
		return st.Draft, true
	case AwaitingConfirmation:
		return st.Draft, true
	default:
		return Record{}, false
	}
}

// Cache holds at most one live state per user. Terminal states are never
// stored; they collapse to NoDraft.
type Cache interface {
	Load(ctx context.Context, userID string) (State, error)
	Store(ctx context.Context, userID string, s State) error
	Delete(ctx context.Context, userID string) error
}

// Machine applies transitions on top of a Cache. Callers serialize turns per
// user, so transitions for one user never interleave.
type Machine struct {
	cache Cache
	now   func() time.Time
}

func NewMachine(cache Cache) *Machine {
	return &Machine{cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Machine) Current(ctx context.Context, userID string) (State, error) {
	return m.cache.Load(ctx, userID)
}

// Created moves any state to DraftPending, replacing a previous draft.
func (m *Machine) Created(ctx context.Context, rec Record) (DraftPending, error) {
	if rec.UserID == "" || rec.DraftID == "" {
		return DraftPending{}, fmt.Errorf("%w: draft needs user and handle", ErrIllegalTransition)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	st := DraftPending{Draft: rec}
	if err := m.cache.Store(ctx, rec.UserID, st); err != nil {
		return DraftPending{}, err
	}
	return st, nil
}

// Presented records that shown was displayed for confirmation.
func (m *Machine) Presented(ctx context.Context, userID string, shown Record) (AwaitingConfirmation, error) {
	cur, err := m.cache.Load(ctx, userID)
	if err != nil {
		return AwaitingConfirmation{}, err
	}
	rec, ok := Live(cur)
	if !ok {
		return AwaitingConfirmation{}, ErrNoDraft
	}
	if !rec.matches(shown) {
		return AwaitingConfirmation{}, ErrDraftMismatch
	}
	st := AwaitingConfirmation{Draft: rec, Shown: shown, PresentedAt: m.now()}
	if err := m.cache.Store(ctx, userID, st); err != nil {
		return AwaitingConfirmation{}, err
	}
	return st, nil
}

// ReadyToSend returns the draft that may be sent. Only a draft that was
// presented and is unchanged since qualifies.
func (m *Machine) ReadyToSend(ctx context.Context, userID string) (Record, error) {
	cur, err := m.cache.Load(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	switch st := cur.(type) {
	case AwaitingConfirmation:
		if !st.Draft.matches(st.Shown) {
			return Record{}, ErrDraftMismatch
		}
		return st.Draft, nil
	case DraftPending:
		return Record{}, fmt.Errorf("%w: draft was never presented", ErrIllegalTransition)
	default:
		return Record{}, ErrNoDraft
	}
}

// MarkSent completes AwaitingConfirmation -> Sent -> NoDraft.
func (m *Machine) MarkSent(ctx context.Context, userID, draftID, messageID string) (Sent, error) {
	cur, err := m.cache.Load(ctx, userID)
	if err != nil {
		return Sent{}, err
	}
	st, ok := cur.(AwaitingConfirmation)
	if !ok {
		return Sent{}, fmt.Errorf("%w: send from %s", ErrIllegalTransition, cur.Phase())
	}
	if st.Draft.DraftID != draftID {
		return Sent{}, ErrDraftMismatch
	}
	if err := m.cache.Delete(ctx, userID); err != nil {
		return Sent{}, err
	}
	return Sent{Draft: st.Draft, MessageID: messageID}, nil
}

// Discard drops a live draft without sending it.
func (m *Machine) Discard(ctx context.Context, userID string) (Discarded, error) {
	cur, err := m.cache.Load(ctx, userID)
	if err != nil {
		return Discarded{}, err
	}
	rec, ok := Live(cur)
	if !ok {
		return Discarded{}, ErrNoDraft
	}
	if err := m.cache.Delete(ctx, userID); err != nil {
		return Discarded{}, err
	}
	return Discarded{Draft: rec}, nil
}
