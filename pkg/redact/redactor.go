// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs secrets out of text that overrides send back from a
// hooked process, such as getenv results or bytes copied out of read.
package redact

import (
	"fmt"
	"regexp"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// CompileRule builds a Rule from a pattern, for rules read from config.
// An empty replacement redacts to "[REDACTED]".
func CompileRule(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("redact rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled && len(r.rules) > 0
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.Enabled() {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactBytes is Redact for raw payloads. The input is not modified.
func (r *Redactor) RedactBytes(input []byte) []byte {
	if !r.Enabled() {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAll(result, []byte(rule.Replacement))
	}
	return result
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "private_key",
			Pattern:     regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
			Replacement: "[REDACTED_PRIVATE_KEY]",
		},
		{
			Name:        "aws_access_key",
			Pattern:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
			Replacement: "${1}[REDACTED]",
		},
		{
			// NAME=value where NAME looks like a credential, e.g. DB_PASSWORD=...
			Name:        "secret_assignment",
			Pattern:     regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:password|passwd|pwd|secret|token|api_?key)[A-Z0-9_]*)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
	}
}
