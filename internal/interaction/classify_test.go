package interaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text     string
		hasDraft bool
		want     IntentKind
	}{
		{"hello!", false, IntentConversational},
		{"what's the latest email from alice?", false, IntentInboxRead},
		{"any unread messages?", false, IntentInboxRead},
		{"did bob send the contract?", false, IntentInboxRead},
		{"draft an email to alice@example.com saying hi", false, IntentDraft},
		{"send an email to bob@example.com about lunch", false, IntentDraft},
		{"send it", false, IntentSend},
		{"yes", true, IntentSend},
		{"yes", false, IntentConversational},
		{"looks good, go ahead", true, IntentSend},
		{"no", true, IntentDiscard},
		{"discard the draft", false, IntentDiscard},
		{"forward that to carol@example.com", false, IntentForward},
		{"reply to alice saying thanks", false, IntentReply},
		{"give me more details", false, IntentFollowUp},
		{"what did it say?", false, IntentFollowUp},
		{"show me the email from bob", false, IntentInboxRead},
		{"my name is Alex", false, IntentSetName},
		{"yes, send it please", true, IntentSend},
		{"ok.", true, IntentSend},
		{"send the email", true, IntentSend},
		{"ok, what's the latest email from alice?", true, IntentInboxRead},
		{"yes please, and also check my inbox", true, IntentInboxRead},
		{"sure, forward it to dave@example.com", true, IntentForward},
		{"send an email to carol@example.com saying hello", true, IntentDraft},
		{"send the email to bob@example.com saying the report is ready", false, IntentDraft},
		{"send the email to bob@example.com saying the report is ready", true, IntentDraft},
		{"ok thanks, reply to alice saying see you then", true, IntentReply},
	}
	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.text, c.hasDraft).Kind)
		})
	}
}

func TestClassify_ExtractsQueryAndName(t *testing.T) {
	in := Classify("latest email from alice", false)
	assert.Equal(t, `from:alice OR subject:"alice" OR "alice"`, in.Query)

	in = Classify(`any emails about "quarterly report"?`, false)
	assert.Equal(t, `subject:"quarterly report" OR "quarterly report"`, in.Query)

	assert.Equal(t, "", Classify("check my inbox", false).Query)
	assert.Equal(t, "Alex Smith", Classify("Hi, my name is Alex Smith", false).Name)
	assert.Equal(t, "Alex", Classify("call me Alex please", false).Name)
}
