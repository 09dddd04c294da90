// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"unicode"
	"unicode/utf16"
)

// textCursor indexes text by UTF-16 code units, not code points or grapheme
// clusters. A character outside the Basic Multilingual Plane occupies two
// positions and a combining mark is a position of its own, so a boundary
// found by the edit scanner can split either one. Slicing across a split
// surrogate pair yields U+FFFD.
type textCursor struct {
	units []uint16
}

func newTextCursor(s string) textCursor {
	return textCursor{units: utf16.Encode([]rune(s))}
}

func (c textCursor) Len() int { return len(c.units) }

// IsSpace reports whether the unit at i is whitespace. Out of range is not.
func (c textCursor) IsSpace(i int) bool {
	if i < 0 || i >= len(c.units) {
		return false
	}
	return unicode.IsSpace(rune(c.units[i]))
}

// IsWord reports whether i is in range and not whitespace.
func (c textCursor) IsWord(i int) bool {
	return i >= 0 && i < len(c.units) && !c.IsSpace(i)
}

func (c textCursor) Slice(from, to int) string {
	return string(utf16.Decode(c.units[from:to]))
}

// commonPrefix is the number of leading units a and b share.
func commonPrefix(a, b textCursor) int {
	n := min(a.Len(), b.Len())
	i := 0
	for i < n && a.units[i] == b.units[i] {
		i++
	}
	return i
}

// commonSuffix is the number of trailing units a and b share, at most limit.
func commonSuffix(a, b textCursor, limit int) int {
	i := 0
	for i < limit && a.units[a.Len()-1-i] == b.units[b.Len()-1-i] {
		i++
	}
	return i
}
