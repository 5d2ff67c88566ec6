package interaction

import (
	"regexp"
	"strings"

	"inbox-assistant/internal/inbox"
)

// IntentKind is the orchestrator's reading of one utterance.
type IntentKind string

const (
	IntentConversational IntentKind = "conversational"
	IntentInboxRead      IntentKind = "inbox_read"
	IntentDraft          IntentKind = "draft"
	IntentSend           IntentKind = "send"
	IntentDiscard        IntentKind = "discard"
	IntentForward        IntentKind = "forward"
	IntentReply          IntentKind = "reply"
	IntentFollowUp       IntentKind = "follow_up"
	IntentSetName        IntentKind = "set_name"
)

type Intent struct {
	Kind IntentKind
	// Query is a provider query for inbox reads, empty when nothing specific
	// was named.
	Query string
	// Name is set for IntentSetName.
	Name string
}

const affirmations = `yes|yep|yeah|yup|sure|ok|okay|send|send it|send the email|send the draft|go ahead|looks good|do it|confirm|confirmed|please send|send now`

var (
	nameRe = regexp.MustCompile(`\b(?:[Mm]y name is|[Cc]all me)\s+(\p{L}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)?)`)

	// affirmRe matches a message made only of affirmations, such as
	// "yes", "looks good, go ahead" or "ok, send it please".
	affirmRe = regexp.MustCompile(`^(?:` + affirmations + `)(?:[,\s]+(?:` + affirmations + `|please|it|now|thanks))*[.!]*$`)

	sendRe    = regexp.MustCompile(`\bsend (it|that|this|the draft|my draft)\b`)
	declineRe = regexp.MustCompile(`^(no|nope|cancel|discard|don't send|do not send|never mind|nevermind|stop)\b`)
	discardRe = regexp.MustCompile(`\b(discard|delete|drop|cancel) (it|the draft|that draft|my draft|this draft)\b`)

	// newMessageRe marks an utterance that describes a message of its own.
	newMessageRe = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+|\b(saying|that says)\b|\b(email|message|note|reply) to\b`)

	forwardRe = regexp.MustCompile(`\bforward\b`)
	replyRe   = regexp.MustCompile(`^(reply|respond)\b|\b(reply|respond) to\b`)
	draftRe   = regexp.MustCompile(`\b(draft|compose|write)\b|\b(send|write) (an |a |the )?(email|message|note) to\b|\bemail [\w.+-]+@[\w-]+\.[\w.]+`)

	followUpRe = regexp.MustCompile(`^(give me |show me |tell me )?(more )?(details|detail|more)\b|\b(that|this|the) (email|message|one)\b|\bwhat (did|does) (it|that|she|he|they) say\b|\b(first|second|third|last) one\b|\bmore about (it|that|this)\b|\bwhat else\b`)
	inboxRe    = regexp.MustCompile(`\b(e-?mails?|mails?|inbox|messages?|unread|newsletter|latest from|anything from|hear from|heard from)\b|\bdid [\w.@+-]+ (send|write|reply)\b`)

	fromRe  = regexp.MustCompile(`(?i)\bfrom\s+("[^"]+"|[\w.@+-]+)`)
	aboutRe = regexp.MustCompile(`(?i)\b(?:about|regarding|titled|subject)\s+("[^"]+"|[\w.@+-]+)`)
)

// Classify maps an utterance to an intent. hasDraft tells whether the user
// has a live draft, which changes what short answers like "yes" mean.
func Classify(text string, hasDraft bool) Intent {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if m := nameRe.FindStringSubmatch(trimmed); m != nil {
		return Intent{Kind: IntentSetName, Name: strings.TrimSpace(m[1])}
	}
	if discardRe.MatchString(lower) || (hasDraft && declineRe.MatchString(lower)) {
		return Intent{Kind: IntentDiscard}
	}
	// An explicit "send it" only counts when nothing else in the message
	// asks for a different message to be written, forwarded or replied to.
	if sendRe.MatchString(lower) && !newMessageRe.MatchString(lower) &&
		!forwardRe.MatchString(lower) && !replyRe.MatchString(lower) {
		return Intent{Kind: IntentSend}
	}
	if forwardRe.MatchString(lower) {
		return Intent{Kind: IntentForward, Query: searchQuery(trimmed)}
	}
	if replyRe.MatchString(lower) {
		return Intent{Kind: IntentReply, Query: searchQuery(trimmed)}
	}
	if draftRe.MatchString(lower) {
		return Intent{Kind: IntentDraft}
	}
	if hasDraft && affirmRe.MatchString(lower) {
		return Intent{Kind: IntentSend}
	}
	if followUpRe.MatchString(lower) && fromRe.FindStringSubmatch(trimmed) == nil {
		return Intent{Kind: IntentFollowUp}
	}
	if inboxRe.MatchString(lower) {
		return Intent{Kind: IntentInboxRead, Query: searchQuery(trimmed)}
	}
	return Intent{Kind: IntentConversational}
}

// searchQuery derives a fuzzy provider query from "from X" or "about X".
func searchQuery(text string) string {
	var parts []string
	if m := fromRe.FindStringSubmatch(text); m != nil {
		parts = append(parts, inbox.FuzzyQuery(strings.Trim(m[1], `"`)))
	}
	if m := aboutRe.FindStringSubmatch(text); m != nil {
		parts = append(parts, inbox.FuzzyQuery(strings.Trim(m[1], `"`)))
	}
	return strings.Join(parts, " OR ")
}
