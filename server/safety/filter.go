// Package safety classifies user questions and upstream answers as safe or
// as a leak/injection attempt.
//
// Matching is a keyword heuristic over a versioned rule table. It misses
// paraphrases and it blocks subject questions that happen to contain a
// listed word (a question about "Token" in an unrelated sense is refused).
// Both behaviours are accepted properties of the filter, not defects.
package safety

import (
	"encoding/json"
	"strings"
	"sync/atomic"
)

// Verdict is the result of one check. Reason is the ID of the first rule
// that matched, or "forbidden-key:<key>" for a JSON key hit.
type Verdict struct {
	Blocked  bool
	Reason   string
	Category Category
}

// Filter applies a RuleSet to both directions of an exchange. The rule set
// can be swapped at runtime.
type Filter struct {
	rules atomic.Pointer[RuleSet]
}

// NewFilter returns a filter over rs, or over DefaultRules when rs is nil.
// rs must be compiled.
func NewFilter(rs *RuleSet) *Filter {
	if rs == nil {
		rs = DefaultRules()
	}
	f := &Filter{}
	f.rules.Store(rs)
	return f
}

// Swap replaces the rule table for all subsequent checks.
func (f *Filter) Swap(rs *RuleSet) {
	if rs != nil {
		f.rules.Store(rs)
	}
}

// Version returns the version of the active rule table.
func (f *Filter) Version() string {
	return f.rules.Load().Version
}

// CheckInput classifies user text. Empty text is never blocked.
func (f *Filter) CheckInput(text string) Verdict {
	return f.check(Fold(text), Input)
}

// CheckOutput classifies upstream text. Besides the output rules, JSON
// bodies are searched for forbidden keys at any depth.
func (f *Filter) CheckOutput(text string) Verdict {
	if v := f.check(Fold(text), Output); v.Blocked {
		return v
	}
	if key, ok := f.forbiddenKey(text); ok {
		return Verdict{Blocked: true, Reason: "forbidden-key:" + key, Category: CategoryLeak}
	}
	return Verdict{}
}

func (f *Filter) check(folded string, side Direction) Verdict {
	if folded == "" {
		return Verdict{}
	}
	rs := f.rules.Load()
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.Direction.covers(side) {
			continue
		}
		if r.match(folded) {
			return Verdict{Blocked: true, Reason: r.ID, Category: r.Category}
		}
	}
	return Verdict{}
}

func (f *Filter) forbiddenKey(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return "", false
	}
	return findKey(doc, f.rules.Load().forbidden)
}

func findKey(v any, forbidden map[string]bool) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if forbidden[strings.ToLower(k)] {
				return k, true
			}
			if key, ok := findKey(child, forbidden); ok {
				return key, true
			}
		}
	case []any:
		for _, child := range t {
			if key, ok := findKey(child, forbidden); ok {
				return key, true
			}
		}
	}
	return "", false
}
