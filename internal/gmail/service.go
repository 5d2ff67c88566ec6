// Package gmail connects the inbox capability set to Gmail, either directly
// through the Gmail API or through the gmail-mcp-server tool process.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"inbox-assistant/internal/inbox"
)

const (
	defaultMaxResults = 10
	maxResultsLimit   = 50
	me                = "me"
)

// Service implements inbox.Provider on the Gmail REST API.
type Service struct {
	api    *gmailapi.Service
	logger zerolog.Logger
}

var _ inbox.Provider = (*Service)(nil)

func NewService(api *gmailapi.Service) *Service {
	return &Service{api: api, logger: log.With().Str("component", "gmail").Logger()}
}

// Connect builds a Service from OAuth client credentials and a refresh token.
func Connect(ctx context.Context, credentialsJSON, refreshToken, tokenFile string, opts ...option.ClientOption) (*Service, error) {
	creds, err := ParseCredentials(credentialsJSON)
	if err != nil {
		return nil, err
	}
	if tokenFile == "" {
		tokenFile = DefaultTokenFile()
	}
	ts, err := TokenSource(ctx, OAuthConfig(creds), refreshToken, tokenFile)
	if err != nil {
		return nil, err
	}
	api, err := gmailapi.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewService(api), nil
}

func (s *Service) Search(ctx context.Context, query string, max int) ([]inbox.Email, error) {
	if max <= 0 {
		max = defaultMaxResults
	}
	if max > maxResultsLimit {
		max = maxResultsLimit
	}
	list, err := s.api.Users.Messages.List(me).Q(query).MaxResults(int64(max)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail search: %w", err)
	}
	out := make([]inbox.Email, 0, len(list.Messages))
	for _, ref := range list.Messages {
		msg, err := s.api.Users.Messages.Get(me, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", ref.Id).Msg("failed to fetch message details")
			continue
		}
		out = append(out, ParseMessage(msg))
	}
	inbox.SortNewestFirst(out)
	return out, nil
}

func (s *Service) CreateDraft(ctx context.Context, to, subject, body string) (string, error) {
	raw := BuildRaw(Outgoing{To: to, Subject: subject, Body: body})
	d, err := s.api.Users.Drafts.Create(me, &gmailapi.Draft{Message: &gmailapi.Message{Raw: raw}}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail create draft: %w", err)
	}
	return d.Id, nil
}

func (s *Service) ExecuteDraft(ctx context.Context, draftID string) (string, error) {
	msg, err := s.api.Users.Drafts.Send(me, &gmailapi.Draft{Id: draftID}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail send draft: %w", err)
	}
	return msg.Id, nil
}

func (s *Service) Forward(ctx context.Context, messageID, to, note string) (string, error) {
	orig, err := s.api.Users.Messages.Get(me, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail fetch message to forward: %w", err)
	}
	e := ParseMessage(orig)
	body := strings.TrimSpace(note)
	if body != "" {
		body += "\n\n"
	}
	body += fmt.Sprintf("---------- Forwarded message ---------\nFrom: %s\nDate: %s\nSubject: %s\n\n%s",
		e.From, e.Timestamp.Format(time.RFC1123Z), e.Subject, e.Text())

	raw := BuildRaw(Outgoing{To: to, Subject: prefixSubject("Fwd: ", e.Subject), Body: body})
	sent, err := s.api.Users.Messages.Send(me, &gmailapi.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail forward: %w", err)
	}
	return sent.Id, nil
}

func (s *Service) Reply(ctx context.Context, threadID, body string) (string, error) {
	thread, err := s.api.Users.Threads.Get(me, threadID).Format("metadata").
		MetadataHeaders("From", "Reply-To", "Subject", "Message-ID", "References").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail fetch thread: %w", err)
	}
	if len(thread.Messages) == 0 {
		return "", fmt.Errorf("gmail thread %s is empty", threadID)
	}
	last := thread.Messages[len(thread.Messages)-1]
	h := headers(last.Payload)

	to := h["Reply-To"]
	if to == "" {
		to = h["From"]
	}
	refs := strings.TrimSpace(h["References"] + " " + h["Message-Id"])
	raw := BuildRaw(Outgoing{
		To:         to,
		Subject:    prefixSubject("Re: ", h["Subject"]),
		Body:       body,
		InReplyTo:  h["Message-Id"],
		References: refs,
	})
	sent, err := s.api.Users.Messages.Send(me, &gmailapi.Message{Raw: raw, ThreadId: threadID}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail reply: %w", err)
	}
	return sent.Id, nil
}

// ParseMessage converts an API message into an inbox.Email.
func ParseMessage(msg *gmailapi.Message) inbox.Email {
	e := inbox.Email{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   append([]string(nil), msg.LabelIds...),
	}
	if msg.InternalDate > 0 {
		e.Timestamp = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		h := headers(msg.Payload)
		e.From = h["From"]
		e.To = h["To"]
		e.Subject = h["Subject"]
		e.Body = strings.TrimSpace(extractBody(msg.Payload))
	}
	return e
}

// headers indexes header values by canonical name ("Message-Id" for Message-ID).
func headers(p *gmailapi.MessagePart) map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	for _, h := range p.Headers {
		out[canonicalHeader(h.Name)] = h.Value
	}
	return out
}

func canonicalHeader(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// extractBody prefers text/plain anywhere in the MIME tree.
func extractBody(p *gmailapi.MessagePart) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.MimeType, "text/plain") || (len(p.Parts) == 0 && p.MimeType == "") {
		if text := decodePart(p); text != "" {
			return text
		}
	}
	for _, part := range p.Parts {
		if text := extractBody(part); text != "" {
			return text
		}
	}
	if len(p.Parts) == 0 {
		return decodePart(p)
	}
	return ""
}

func decodePart(p *gmailapi.MessagePart) string {
	if p.Body == nil || p.Body.Data == "" {
		return ""
	}
	data, err := base64.URLEncoding.DecodeString(p.Body.Data)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(p.Body.Data)
		if err != nil {
			return ""
		}
	}
	return string(data)
}

// Outgoing is a plain-text message to encode for the API.
type Outgoing struct {
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// BuildRaw renders an RFC 2822 message as URL-safe base64.
func BuildRaw(m Outgoing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(m.Body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}
