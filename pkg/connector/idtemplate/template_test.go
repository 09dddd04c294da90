// Copyright 2024-2026 Aiku AI

package idtemplate

import "testing"

func TestNewRequiresExactlyOnePlaceholder(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"mattermost_", "${USER}_${USER}", "${A}${B}"} {
		if _, err := New("@", s, "example.com"); err == nil {
			t.Errorf("New(%q) should fail", s)
		}
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	t.Parallel()
	tmpl := MustNew("@", "mattermost_${USER}", "example.com")
	if !tmpl.HasField("USER") || tmpl.Field() != "USER" {
		t.Errorf("Field: got %q", tmpl.Field())
	}
	id := tmpl.ExpandID("alice")
	if id != "@mattermost_alice:example.com" {
		t.Errorf("ExpandID: got %q", id)
	}
	got, ok := tmpl.MatchID(id)
	if !ok || got != "alice" {
		t.Errorf("MatchID(%q): got %q, %v", id, got, ok)
	}
	if got, ok := tmpl.MatchLocalpart("mattermost_bob"); !ok || got != "bob" {
		t.Errorf("MatchLocalpart: got %q, %v", got, ok)
	}
}

func TestTemplateRejectsForeignIDs(t *testing.T) {
	t.Parallel()
	tmpl := MustNew("@", "mm.${USER}", "example.com")
	tests := []string{
		"@mmXalice:example.com",
		"@mm.alice:example.org",
		"#mm.alice:example.com",
		"@other:example.com",
	}
	for _, id := range tests {
		if v, ok := tmpl.MatchID(id); ok {
			t.Errorf("MatchID(%q) should not match, got %q", id, v)
		}
	}
}

func TestAliasTemplate(t *testing.T) {
	t.Parallel()
	tmpl := MustNew("#", "mattermost_${ROOM}", "example.com")
	alias := tmpl.ExpandID(EscapeRoomName("team/town-square"))
	if alias != "#mattermost_team=2Ftown-square:example.com" {
		t.Errorf("alias: got %q", alias)
	}
	v, ok := tmpl.MatchID(alias)
	if !ok {
		t.Fatalf("MatchID(%q) failed", alias)
	}
	if got := UnescapeRoomName(v); got != "team/town-square" {
		t.Errorf("unescaped: got %q", got)
	}
}

func TestEscapeRoomNameReversible(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"a/b", "a=2F/b", "plain", "x=y/z=2F"} {
		if got := UnescapeRoomName(EscapeRoomName(name)); got != name {
			t.Errorf("round trip %q: got %q", name, got)
		}
	}
}

func TestFoldUsername(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Alice":   "alice",
		"@BoB":    "bob",
		"already": "already",
	}
	for in, want := range tests {
		if got := FoldUsername(in); got != want {
			t.Errorf("FoldUsername(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestMangler(t *testing.T) {
	t.Parallel()
	m, err := NewMangler([]MangleRule{
		{Pattern: `^@irc_(.*):example\.com$`, Template: "$1 (IRC)"},
		{Pattern: `^@(.*):example\.com$`, Template: "$1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"@irc_bob:example.com", "bob (IRC)", true},
		{"@alice:example.com", "alice", true},
		{"@alice:elsewhere.org", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Mangle(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Mangle(%q): got %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestManglerInvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewMangler([]MangleRule{{Pattern: "("}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestNilMangler(t *testing.T) {
	t.Parallel()
	var m *Mangler
	if _, ok := m.Mangle("@a:b"); ok {
		t.Error("nil mangler should never match")
	}
}
