package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction selects which side of an exchange a rule applies to.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
	Both   Direction = "both"
)

func (d Direction) covers(side Direction) bool {
	return d == Both || d == side
}

// Category groups rules for logs and metrics.
type Category string

const (
	CategoryRoleLabel     Category = "role_label"
	CategoryCredential    Category = "credential"
	CategoryIntrospection Category = "introspection"
	CategoryStructural    Category = "structural"
	CategoryMarkup        Category = "markup"
	CategoryLeak          Category = "leak"
)

// Rule is one entry of the rule table. Pattern is a regular expression
// matched against the folded text. A rule with With matches only when both
// expressions match.
type Rule struct {
	ID        string    `yaml:"id"`
	Category  Category  `yaml:"category"`
	Direction Direction `yaml:"direction"`
	Pattern   string    `yaml:"pattern"`
	With      string    `yaml:"with,omitempty"`

	re   *regexp.Regexp
	with *regexp.Regexp
}

func (r *Rule) match(folded string) bool {
	if !r.re.MatchString(folded) {
		return false
	}
	return r.with == nil || r.with.MatchString(folded)
}

// RuleSet is a versioned rule table plus the JSON keys that block an
// upstream answer wherever they appear.
type RuleSet struct {
	Version       string   `yaml:"version"`
	Rules         []Rule   `yaml:"rules"`
	ForbiddenKeys []string `yaml:"forbidden_keys"`

	forbidden map[string]bool
}

// Compile validates and compiles every rule. A RuleSet must be compiled
// before it is handed to a Filter.
func (rs *RuleSet) Compile() error {
	if rs.Version == "" {
		return fmt.Errorf("rule set has no version")
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Direction {
		case Input, Output, Both:
		case "":
			r.Direction = Both
		default:
			return fmt.Errorf("rule %s: invalid direction %q", r.ID, r.Direction)
		}
		if r.Category == "" {
			return fmt.Errorf("rule %s has no category", r.ID)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.re = re
		if r.With != "" {
			with, err := regexp.Compile("(?i)" + r.With)
			if err != nil {
				return fmt.Errorf("rule %s: with: %w", r.ID, err)
			}
			r.with = with
		}
	}
	rs.forbidden = make(map[string]bool, len(rs.ForbiddenKeys))
	for _, k := range rs.ForbiddenKeys {
		rs.forbidden[strings.ToLower(k)] = true
	}
	return nil
}

// LoadRules reads a YAML rule table from path and compiles it.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if err := rs.Compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// DefaultRules returns the built-in table. It is the union of the keyword
// lists the relay handlers have used, grouped by category.
func DefaultRules() *RuleSet {
	rs := &RuleSet{
		Version: "2026.1",
		Rules: []Rule{
			// role labels
			{ID: "role-tag", Category: CategoryRoleLabel, Direction: Input, Pattern: `<\s*/?\s*(system|developer|assistant|tool)\b[^>]*>`},
			{ID: "role-assignment", Category: CategoryRoleLabel, Direction: Both, Pattern: `\brole\s*["']?\s*[:=]\s*["']?(system|developer|assistant|tool)\b`},
			{ID: "role-prefix", Category: CategoryRoleLabel, Direction: Input, Pattern: `^(system|developer|tool)\s*:|\[(system|developer|tool)\]`},

			// credentials
			{ID: "api-key", Category: CategoryCredential, Direction: Input, Pattern: `api[\s_-]?(keys?|schlüssel)`},
			{ID: "token", Category: CategoryCredential, Direction: Input, Pattern: `token`},
			{ID: "secret", Category: CategoryCredential, Direction: Input, Pattern: `secrets?`},
			{ID: "webhook", Category: CategoryCredential, Direction: Input, Pattern: `webhooks?`},
			{ID: "process-env", Category: CategoryCredential, Direction: Both, Pattern: `process\.env`},

			// introspection
			{ID: "system-prompt", Category: CategoryIntrospection, Direction: Both, Pattern: `\b(system|developer)[\s_-]?(prompts?|messages?|nachricht(en)?|anweisung(en)?)\b`},
			{ID: "show-prompt", Category: CategoryIntrospection, Direction: Input, Pattern: `\b(zeig\w*|show|reveal|print|verrat\w*|gib)\b.{0,30}\bprompts?\b`},
			{ID: "last-prompts", Category: CategoryIntrospection, Direction: Input, Pattern: `\b(letzten?|last|previous)\s+prompts\b`},
			{ID: "internal-instruction", Category: CategoryIntrospection, Direction: Input, Pattern: `\binterne?n?\s+anweisung|\bhidden\s+instructions?\b|\bversteckte\w*\s+anweisung`},
			{ID: "ignore-previous", Category: CategoryIntrospection, Direction: Input, Pattern: `\b(ignore|ignorier\w*|vergiss)\b.{0,20}\b(previous|prior|above|vorherigen?|bisherigen?|obigen?)\b.{0,20}\b(instructions?|anweisung(en)?|regeln|rules)\b`},
			{ID: "override", Category: CategoryIntrospection, Direction: Input, Pattern: `\boverride\b`},
			{ID: "debug", Category: CategoryIntrospection, Direction: Input, Pattern: `\bdebug`},
			{ID: "audit", Category: CategoryIntrospection, Direction: Input, Pattern: `\baudit\b`},
			{ID: "tool-config", Category: CategoryIntrospection, Direction: Both, Pattern: `\btool[\s_-]?(config\w*|konfiguration|calls?|outputs?)\b`},
			{ID: "request-payload", Category: CategoryIntrospection, Direction: Both, Pattern: `\brequest[\s_-]?payload\b|\bpayload[\s_-]?(struktur|structure|format)\b`},

			// structural tricks
			{ID: "messages-array", Category: CategoryStructural, Direction: Both, Pattern: `\bmessages\s*=\s*\[|\bmessages[\s_-]?array\b`},
			{ID: "json-dump", Category: CategoryStructural, Direction: Input, Pattern: `\bjson\b`, With: `\b(prompts?|anweisung(en)?|instructions?|config\w*|konfiguration|messages|tools?|rules|regeln|payload|schema|intern\w*|role)\b`},

			// output-only leak markers
			{ID: "file-search", Category: CategoryLeak, Direction: Output, Pattern: `\bfile[\s_-]?search\b`},
			{ID: "key-shape", Category: CategoryLeak, Direction: Output, Pattern: `\bsk-[a-z0-9_-]{16,}`},

			// markup
			{ID: "html-document", Category: CategoryMarkup, Direction: Output, Pattern: `<!doctype\s+html|<html[\s>]`},
			{ID: "script-tag", Category: CategoryMarkup, Direction: Output, Pattern: `<script[\s>]`},
		},
		ForbiddenKeys: []string{
			"system_prompt", "developer_prompt", "tool_config", "request_payload",
			"messages", "tools", "secrets", "api_key",
		},
	}
	if err := rs.Compile(); err != nil {
		panic(err)
	}
	return rs
}
