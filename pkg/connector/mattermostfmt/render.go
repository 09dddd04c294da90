// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Message is a remote post as the translator needs it.
type Message struct {
	Text string
	// Status marks "/me" style posts, rendered as emotes.
	Status   bool
	Username string
}

// Render converts a remote post into Matrix message content. Status posts
// become m.emote with the leading "@username" mention removed.
func Render(msg Message) *event.MessageEventContent {
	parsed := Parse(Text(msg))
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
	if msg.Status {
		content.MsgType = event.MsgEmote
		content.FormattedBody = stripMention(content.FormattedBody, msg.Username)
	}
	return content
}

// Text returns the markdown a post is rendered from: the post text, minus
// the emphasis and leading mention of status posts.
func Text(msg Message) string {
	if !msg.Status {
		return msg.Text
	}
	return stripMention(trimEmphasis(msg.Text), msg.Username)
}

// trimEmphasis removes the single pair of asterisks Mattermost wraps
// "/me" text in.
func trimEmphasis(text string) string {
	if len(text) > 2 && strings.HasPrefix(text, "*") && strings.HasSuffix(text, "*") &&
		!strings.HasPrefix(text, "**") && !strings.HasSuffix(text, "**") {
		return text[1 : len(text)-1]
	}
	return text
}

func stripMention(text, username string) string {
	if username == "" || text == "" {
		return text
	}
	re := regexp.MustCompile(`^(<p>)?@` + regexp.QuoteMeta(username) + `\b\s*`)
	return re.ReplaceAllString(text, "$1")
}
