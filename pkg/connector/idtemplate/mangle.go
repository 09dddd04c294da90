// Copyright 2024-2026 Aiku AI

package idtemplate

import (
	"fmt"
	"regexp"
)

// MangleRule rewrites sender IDs matching Pattern into Template, where $1
// stands for the first capture group.
type MangleRule struct {
	Pattern  string `yaml:"pattern"`
	Template string `yaml:"template"`
}

// Mangler applies the first matching MangleRule to a sender ID.
type Mangler struct {
	rules []compiledRule
}

type compiledRule struct {
	re       *regexp.Regexp
	template string
}

// NewMangler compiles rules in order.
func NewMangler(rules []MangleRule) (*Mangler, error) {
	m := &Mangler{}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("name_mangling rule %d: %w", i, err)
		}
		m.rules = append(m.rules, compiledRule{re: re, template: r.Template})
	}
	return m, nil
}

// Mangle returns the rewritten name and true, or ("", false) if no rule matches.
func (m *Mangler) Mangle(sender string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, r := range m.rules {
		match := r.re.FindStringSubmatchIndex(sender)
		if match == nil {
			continue
		}
		return string(r.re.ExpandString(nil, r.template, sender, match)), true
	}
	return "", false
}
