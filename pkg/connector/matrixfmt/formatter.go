// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Mattermost markdown.
package matrixfmt

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"maunium.net/go/mautrix/event"
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// voidTags never have an end tag.
var voidTags = map[string]bool{
	"br": true, "hr": true, "img": true, "wbr": true, "input": true,
	"area": true, "base": true, "col": true, "embed": true, "source": true,
}

// Parse converts Matrix message content to Mattermost markdown.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	return Convert(content.FormattedBody)
}

// Convert renders a Matrix HTML body as markdown. Unknown tags are dropped
// and their text kept; reply fallbacks and scripts are dropped entirely.
func Convert(formatted string) string {
	c := &converter{stack: []*element{{}}}
	z := html.NewTokenizer(strings.NewReader(formatted))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(formatted)
			}
			for len(c.stack) > 1 {
				c.pop()
			}
			text := blankLinesRe.ReplaceAllString(c.stack[0].buf.String(), "\n\n")
			return strings.TrimSpace(text)
		case html.TextToken:
			text := z.Text()
			if top := c.top(); (top.tag != "ul" && top.tag != "ol") || strings.TrimSpace(string(text)) != "" {
				top.buf.Write(text)
			}
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			el := &element{tag: string(name)}
			if hasAttr {
				el.readAttrs(z)
			}
			if voidTags[el.tag] {
				c.void(el)
			} else {
				c.stack = append(c.stack, el)
			}
		case html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			el := &element{tag: string(name)}
			if hasAttr {
				el.readAttrs(z)
			}
			c.void(el)
		case html.EndTagToken:
			name, _ := z.TagName()
			c.closeTag(string(name))
		}
	}
}

type element struct {
	tag   string
	href  string
	alt   string
	start int
	items int
	buf   strings.Builder
}

func (el *element) readAttrs(z *html.Tokenizer) {
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "href":
			el.href = string(val)
		case "alt":
			el.alt = string(val)
		case "start":
			el.start, _ = strconv.Atoi(string(val))
		}
		if !more {
			return
		}
	}
}

type converter struct {
	stack []*element
}

func (c *converter) top() *element { return c.stack[len(c.stack)-1] }

func (c *converter) void(el *element) {
	out := &c.top().buf
	switch el.tag {
	case "br":
		out.WriteString("\n")
	case "hr":
		out.WriteString("\n\n---\n\n")
	case "img":
		out.WriteString(el.alt)
	}
}

// closeTag pops up to and including the innermost open name. Stray end tags
// are ignored.
func (c *converter) closeTag(name string) {
	for i := len(c.stack) - 1; i > 0; i-- {
		if c.stack[i].tag != name {
			continue
		}
		for len(c.stack) > i {
			c.pop()
		}
		return
	}
}

func (c *converter) pop() {
	el := c.top()
	c.stack = c.stack[:len(c.stack)-1]
	parent := c.top()
	inner := el.buf.String()

	switch el.tag {
	case "strong", "b":
		parent.buf.WriteString(wrap("**", inner))
	case "em", "i":
		parent.buf.WriteString(wrap("_", inner))
	case "del", "s", "strike":
		parent.buf.WriteString(wrap("~~", inner))
	case "code":
		if parent.tag == "pre" {
			parent.buf.WriteString(inner)
		} else {
			parent.buf.WriteString(wrap("`", inner))
		}
	case "pre":
		parent.buf.WriteString("\n```\n" + strings.TrimSuffix(inner, "\n") + "\n```\n")
	case "a":
		parent.buf.WriteString(link(inner, el.href))
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(el.tag[1] - '0')
		parent.buf.WriteString("\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(inner) + "\n")
	case "blockquote":
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight("> "+strings.TrimSpace(line), " ")
		}
		parent.buf.WriteString("\n" + strings.Join(lines, "\n") + "\n")
	case "ul", "ol":
		parent.buf.WriteString("\n" + strings.Trim(inner, "\n") + "\n")
	case "li":
		parent.items++
		marker := "- "
		if parent.tag == "ol" {
			first := parent.start
			if first == 0 {
				first = 1
			}
			marker = strconv.Itoa(first+parent.items-1) + ". "
		}
		// Nested lists are indented under their item.
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i := 1; i < len(lines); i++ {
			if lines[i] != "" {
				lines[i] = strings.Repeat(" ", len(marker)) + lines[i]
			}
		}
		if parent.buf.Len() > 0 {
			parent.buf.WriteString("\n")
		}
		parent.buf.WriteString(marker + strings.Join(lines, "\n"))
	case "p":
		parent.buf.WriteString(inner + "\n\n")
	case "div":
		parent.buf.WriteString(inner + "\n")
	case "mx-reply", "script", "style":
	default:
		parent.buf.WriteString(inner)
	}
}

// wrap puts marker around text, keeping surrounding whitespace outside so
// the markdown stays valid.
func wrap(marker, text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text
	}
	lead := text[:strings.Index(text, trimmed)]
	trail := text[len(lead)+len(trimmed):]
	return lead + marker + trimmed + marker + trail
}

// link renders an anchor. Only web and mail links are kept as links.
func link(text, href string) string {
	lower := strings.ToLower(href)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
		return text
	}
	if text == "" || text == href {
		return href
	}
	return "[" + text + "](" + href + ")"
}
