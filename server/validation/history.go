package validation

import (
	"strings"
)

// ChatTurn is one entry of a conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultRoles are the roles a history turn may carry.
var DefaultRoles = []string{"user", "assistant", "system"}

// HistorySpec controls NormalizeHistory.
type HistorySpec struct {
	// Turns is the number of most recent turns kept; 0 keeps none
	Turns int
	// TurnMax caps each turn's content in runes
	TurnMax int
	// Roles is the set of accepted roles; others become "user"
	Roles []string
	// Clean is applied to content before capping
	Clean func(string) string
	// Drop removes turns whose cleaned content it reports true for
	Drop func(string) bool
}

// NormalizeHistory converts a client-supplied history into at most
// spec.Turns turns. Non-object entries and turns that end up empty are
// dropped, every field other than role and content is discarded, and the
// most recent turns are kept in their original order.
func NormalizeHistory(raw any, spec HistorySpec) []ChatTurn {
	items, _ := raw.([]any)
	if len(items) == 0 || spec.Turns <= 0 {
		return nil
	}
	roles := spec.Roles
	if len(roles) == 0 {
		roles = DefaultRoles
	}

	turns := make([]ChatTurn, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role := OneOf(strings.ToLower(strings.TrimSpace(Text(m["role"]))), roles, "user")
		content := Text(m["content"])
		if spec.Clean != nil {
			content = spec.Clean(content)
		}
		content, _ = Normalize(content, FieldSpec{Max: spec.TurnMax})
		if content == "" {
			continue
		}
		if spec.Drop != nil && spec.Drop(content) {
			continue
		}
		turns = append(turns, ChatTurn{Role: role, Content: content})
	}

	if len(turns) > spec.Turns {
		turns = turns[len(turns)-spec.Turns:]
	}
	return turns
}
