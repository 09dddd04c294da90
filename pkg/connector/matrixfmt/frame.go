// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Sender describes who a relayed message is attributed to. Puppeted senders
// post through their own remote account and get no label.
type Sender struct {
	Label    string
	Puppeted bool
}

// MediaResolver turns a content URI into a URL the remote side can fetch.
type MediaResolver func(uri id.ContentURIString) (string, bool)

// Render converts a Matrix message into the markdown posted to Mattermost,
// framed with the sender label. It reports false when the message cannot be
// relayed, such as an image without a resolvable URL.
func Render(content *event.MessageEventContent, sender Sender, resolve MediaResolver) (string, bool) {
	if content == nil {
		return "", false
	}
	switch content.MsgType {
	case event.MsgEmote:
		return FrameEmote(sender, Parse(content)), true
	case event.MsgImage:
		if resolve == nil || content.URL == "" {
			return "", false
		}
		url, ok := resolve(content.URL)
		if !ok {
			return "", false
		}
		return FrameImage(sender, content.Body, url), true
	case event.MsgText, event.MsgNotice, "":
		return FrameText(sender, Parse(content)), true
	default:
		return "", false
	}
}

// FrameText renders "`label` body".
func FrameText(sender Sender, body string) string {
	if sender.Puppeted {
		return body
	}
	return "`" + cleanLabel(sender.Label) + "` " + body
}

// FrameEmote renders "*label body*" with literal asterisks escaped.
func FrameEmote(sender Sender, body string) string {
	if sender.Puppeted {
		return "*" + escapeAsterisks(body) + "*"
	}
	return "*" + escapeAsterisks(sender.Label) + " " + escapeAsterisks(body) + "*"
}

// FrameImage renders a markdown image reference captioned with the label.
func FrameImage(sender Sender, name, url string) string {
	if name == "" {
		name = "image"
	}
	img := "![" + strings.ReplaceAll(name, "]", "\\]") + "](" + url + ")"
	if sender.Puppeted {
		return img
	}
	return "`" + cleanLabel(sender.Label) + "` " + img
}

func escapeAsterisks(s string) string {
	return strings.ReplaceAll(s, "*", `\*`)
}

func cleanLabel(label string) string {
	return strings.ReplaceAll(label, "`", "'")
}
