// Copyright 2024-2026 Aiku AI

// Package idtemplate maps remote names onto Matrix identifiers through
// templates such as "@mattermost_${USER}:example.com", in both directions.
package idtemplate

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var fieldRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a localpart template with exactly one ${FIELD} placeholder,
// bound to a sigil and a server name.
type Template struct {
	sigil  string
	str    string
	domain string
	field  string

	localpartRe *regexp.Regexp
	idRe        *regexp.Regexp
}

// New parses str. It fails unless str has exactly one placeholder.
func New(sigil, str, domain string) (*Template, error) {
	fields := fieldRe.FindAllStringSubmatch(str, -1)
	if len(fields) != 1 {
		return nil, fmt.Errorf("template %q must contain exactly one ${...} placeholder, found %d", str, len(fields))
	}
	loc := fieldRe.FindStringIndex(str)
	pattern := regexp.QuoteMeta(str[:loc[0]]) + "(.*?)" + regexp.QuoteMeta(str[loc[1]:])
	return &Template{
		sigil:       sigil,
		str:         str,
		domain:      domain,
		field:       fields[0][1],
		localpartRe: regexp.MustCompile("^" + pattern + "$"),
		idRe:        regexp.MustCompile("^" + regexp.QuoteMeta(sigil) + pattern + ":" + regexp.QuoteMeta(domain) + "$"),
	}, nil
}

// MustNew is New that panics on error.
func MustNew(sigil, str, domain string) *Template {
	t, err := New(sigil, str, domain)
	if err != nil {
		panic(err)
	}
	return t
}

// Field returns the placeholder name, e.g. "USER".
func (t *Template) Field() string { return t.field }

// HasField reports whether name is the template's placeholder.
func (t *Template) HasField(name string) bool { return t.field == name }

// ExpandLocalpart substitutes value into the template.
func (t *Template) ExpandLocalpart(value string) string {
	return strings.Replace(t.str, "${"+t.field+"}", value, 1)
}

// ExpandID returns the full identifier, sigil and domain included.
func (t *Template) ExpandID(value string) string {
	return t.sigil + t.ExpandLocalpart(value) + ":" + t.domain
}

// MatchLocalpart extracts the placeholder value from a localpart.
func (t *Template) MatchLocalpart(localpart string) (string, bool) {
	m := t.localpartRe.FindStringSubmatch(localpart)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchID extracts the placeholder value from a full identifier.
func (t *Template) MatchID(id string) (string, bool) {
	m := t.idRe.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var lower = cases.Lower(language.Und)

// FoldUsername normalizes a remote username for use in a Matrix localpart.
func FoldUsername(username string) string {
	return lower.String(strings.TrimPrefix(username, "@"))
}

// EscapeRoomName makes a "team/channel" name safe for an alias localpart.
func EscapeRoomName(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "=", "=3D"), "/", "=2F")
}

// UnescapeRoomName reverses EscapeRoomName.
func UnescapeRoomName(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "=2F", "/"), "=3D", "=")
}
