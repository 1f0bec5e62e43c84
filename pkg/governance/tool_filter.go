// Copyright 2026 © The SDR Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance decides which tool server tools the agent may call.
package governance

import (
	"path"
	"sort"
	"strings"
)

// Decision is the outcome of a tool check.
type Decision struct {
	Allowed bool
	Reason  string
	// Rule is the pattern that decided, if any.
	Rule string
}

// ToolFilter allows or denies tools by name. Patterns use path.Match glob
// syntax, e.g. "scraping_browser_*". A nil filter allows everything.
type ToolFilter struct {
	allow []string
	deny  []string
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// WithAllowlist restricts calls to tools matching one of patterns.
func WithAllowlist(patterns []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.allow = appendPatterns(tf.allow, patterns)
	}
}

// WithDenylist forbids tools matching one of patterns.
func WithDenylist(patterns []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.deny = appendPatterns(tf.deny, patterns)
	}
}

// NewToolFilter returns a filter. With no options every tool is allowed.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// Check evaluates name. Deny patterns win over allow patterns; a non-empty
// allowlist rejects everything it does not match.
func (tf *ToolFilter) Check(name string) Decision {
	if tf == nil {
		return Decision{Allowed: true}
	}
	if rule, ok := match(name, tf.deny); ok {
		return Decision{Allowed: false, Reason: "tool is in denylist", Rule: rule}
	}
	if len(tf.allow) > 0 {
		rule, ok := match(name, tf.allow)
		if !ok {
			return Decision{Allowed: false, Reason: "tool is not in allowlist"}
		}
		return Decision{Allowed: true, Rule: rule}
	}
	return Decision{Allowed: true}
}

// Allowed is Check(name).Allowed.
func (tf *ToolFilter) Allowed(name string) bool {
	return tf.Check(name).Allowed
}

// Filter returns the allowed names in sorted order.
func (tf *ToolFilter) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if tf.Allowed(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Empty reports whether the filter has no rules.
func (tf *ToolFilter) Empty() bool {
	return tf == nil || (len(tf.allow) == 0 && len(tf.deny) == 0)
}

func match(name string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p == name {
			return p, true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return p, true
		}
	}
	return "", false
}

func appendPatterns(dst, patterns []string) []string {
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			dst = append(dst, p)
		}
	}
	return dst
}
