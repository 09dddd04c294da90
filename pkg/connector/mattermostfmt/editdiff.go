// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
)

const (
	editPrefix    = "(edited) "
	ellipsis      = "..."
	deletionColor = "#ff0000"
	insertColor   = "#00ff00"
)

// EditDiff is the changed span between two versions of a message, widened
// to whole words, plus one word of unchanged context on either side.
type EditDiff struct {
	Before string
	Old    string
	New    string
	After  string
}

// DiffEdit locates the changed words between prev and curr. It reports false
// if the texts are identical.
func DiffEdit(prev, curr string) (EditDiff, bool) {
	if prev == curr {
		return EditDiff{}, false
	}
	a, b := newTextCursor(prev), newTextCursor(curr)

	p := commonPrefix(a, b)
	// Back up to the start of a word the change cuts through.
	for p > 0 && a.IsWord(p-1) && (a.IsWord(p) || b.IsWord(p)) {
		p--
	}

	s := commonSuffix(a, b, min(a.Len(), b.Len())-p)
	// Shrink the suffix to end on a word boundary as well.
	for s > 0 && a.IsWord(a.Len()-s) && (a.IsWord(a.Len()-s-1) || b.IsWord(b.Len()-s-1)) {
		s--
	}

	return EditDiff{
		Before: lastWord(a.Slice(0, p)),
		Old:    strings.TrimSpace(a.Slice(p, a.Len()-s)),
		New:    strings.TrimSpace(b.Slice(p, b.Len()-s)),
		After:  firstWord(a.Slice(a.Len()-s, a.Len())),
	}, true
}

// lastWord returns the final word of region, marked with an ellipsis if
// other words precede it.
func lastWord(region string) string {
	words := strings.Fields(region)
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	}
	return ellipsis + words[len(words)-1]
}

func firstWord(region string) string {
	words := strings.Fields(region)
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	}
	return words[0] + ellipsis
}

func joinWords(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// Plain renders the diff as "(edited) <before><old><after> => <before><new><after>".
func (d EditDiff) Plain() string {
	return editPrefix + joinWords(d.Before, d.Old, d.After) + " => " + joinWords(d.Before, d.New, d.After)
}

// HTML renders the diff with the removed words in red and the inserted ones in green.
func (d EditDiff) HTML() string {
	before, after := html.EscapeString(d.Before), html.EscapeString(d.After)
	return html.EscapeString(editPrefix) +
		joinWords(before, colored(deletionColor, d.Old), after) +
		" =&gt; " +
		joinWords(before, colored(insertColor, d.New), after)
}

func colored(color, text string) string {
	if text == "" {
		return ""
	}
	return `<font color="` + color + `">` + html.EscapeString(text) + `</font>`
}

// RenderEdit builds the Matrix content announcing that prev became curr.
func RenderEdit(prev, curr string) *event.MessageEventContent {
	diff, changed := DiffEdit(prev, curr)
	if !changed {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: editPrefix + curr}
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          diff.Plain(),
		Format:        event.FormatHTML,
		FormattedBody: diff.HTML(),
	}
}
