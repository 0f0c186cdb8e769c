// ABOUTME: Subject normalization and deterministic conversation ids for email
// ABOUTME: "Re: Inquiry" and "Inquiry" from one sender map to the same conversation

package conversation

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// namespace scopes the name-based (v5) conversation ids.
var namespace = uuid.MustParse("6f1c2a4e-9b3d-4e8f-a1c7-2d4b6e8f0a13")

// replyPrefix matches one leading reply/forward marker, including localized
// forms and counters like "Re[2]:".
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|sv|tr)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips leading reply/forward markers, collapses whitespace
// and lowercases.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ThreadConversationID derives the conversation id for a provider-native thread.
func ThreadConversationID(providerThreadID string) string {
	return uuid.NewSHA1(namespace, []byte("thread:"+providerThreadID)).String()
}

// SenderSubjectConversationID derives the fallback conversation id for an email
// whose thread cannot be found by header.
func SenderSubjectConversationID(sender, subject string) string {
	name := "sender:" + strings.ToLower(strings.TrimSpace(sender)) + "\n" + NormalizeSubject(subject)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
