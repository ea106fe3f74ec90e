// Package rules evaluates forwarding rules against parsed messages.
package rules

import (
	"strings"

	"github.com/percebe-mail/percebe/internal/codec"
	"github.com/percebe-mail/percebe/internal/config"
)

// Matches reports whether the message satisfies the rule. Pure function:
// case-insensitive substring matching, OR within each filter list, AND
// across the two lists. An empty list passes unconditionally, and an empty
// string inside a list matches everything; users rely on both behaviors.
func Matches(msg *codec.Message, rule *config.Rule) bool {
	return matchesAny(msg.From, rule.Remitentes) && matchesAny(msg.Subject, rule.PalabrasClave)
}

func matchesAny(value string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	lowered := strings.ToLower(value)
	for _, filter := range filters {
		if strings.Contains(lowered, strings.ToLower(filter)) {
			return true
		}
	}
	return false
}
